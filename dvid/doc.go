/*
Package dvid provides types, constants, and functions that have no other dependencies
and can be used by all packages within labelmerge.  This includes leveled logging,
keyword configurations, path handling, and serialization of stored values.
*/
package dvid
