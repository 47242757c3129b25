package server

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/janelia-flyem/labelmerge/dvid"
	"github.com/janelia-flyem/labelmerge/labels"
	"github.com/janelia-flyem/labelmerge/storage"

	"github.com/janelia-flyem/protolog"
	"github.com/twinj/uuid"
)

const jsonMsgTypeID uint16 = 1 // used for protolog

var (
	mutOrderID uint64

	jsonLogFiles    = make(map[string]*logFile)
	jsonLogFilesMux sync.Mutex
)

type logFile struct {
	sync.RWMutex
	f *os.File
}

// MutationsConfig specifies handling of merge records.  Jsonstore is a
// directory of protolog files, one per label layer.  If KafkaTopic is given
// and kafka is configured, records are also sent to a topic per label layer.
type MutationsConfig struct {
	Jsonstore  string
	KafkaTopic string
}

// MergeRecord is a kafka-like JSON record of a merge that has been written.
type MergeRecord struct {
	MutationID uint64
	UUID       string
	TimeUnix   int64
	Labels     string
	Points     string
	Target     uint64
	Merged     []uint64
	Region     labels.Region
}

// NewMergeRecord returns a record for a merge, assigning the next mutation ID.
func NewMergeRecord(labelsName, pointsName string, op labels.MergeOp, region labels.Region) MergeRecord {
	return MergeRecord{
		MutationID: atomic.AddUint64(&mutOrderID, 1),
		UUID:       uuid.NewV4().String(),
		TimeUnix:   time.Now().Unix(),
		Labels:     labelsName,
		Points:     pointsName,
		Target:     op.Target,
		Merged:     op.Merged.Sorted(),
		Region:     region,
	}
}

func getJSONLogFile(labelsName string) (lf *logFile, err error) {
	fname := filepath.Join(tc.Mutations.Jsonstore, labelsName+".plog")
	jsonLogFilesMux.Lock()
	defer jsonLogFilesMux.Unlock()
	lf, found := jsonLogFiles[fname]
	if !found {
		var f *os.File
		f, err = os.OpenFile(fname, os.O_APPEND|os.O_CREATE|os.O_RDWR|os.O_SYNC, 0644)
		if err != nil {
			return nil, err
		}
		lf = &logFile{f: f}
		jsonLogFiles[fname] = lf
	}
	return
}

func closeJSONLogFiles() {
	jsonLogFilesMux.Lock()
	defer jsonLogFilesMux.Unlock()
	for fname, lf := range jsonLogFiles {
		lf.Lock()
		if err := lf.f.Close(); err != nil {
			dvid.Errorf("unable to close mutation log %s: %v\n", fname, err)
		}
		lf.Unlock()
	}
	jsonLogFiles = make(map[string]*logFile)
}

// LogMerge sends a merge record to the Jsonstore directory and kafka, if
// either is configured.
func LogMerge(rec MergeRecord) error {
	jsondata, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("error marshaling JSON for mutation %d: %v", rec.MutationID, err)
	}
	if tc.Mutations.KafkaTopic != "" {
		storage.KafkaProduceMsg(jsondata, storage.KafkaTopic(tc.Mutations.KafkaTopic+"-"+rec.Labels))
	}
	return LogJSONMutation(rec.Labels, jsondata)
}

// LogJSONMutation logs a JSON mutation record to the Jsonstore directory in the config.
func LogJSONMutation(labelsName string, jsondata []byte) error {
	if tc.Mutations.Jsonstore == "" {
		return nil
	}
	lf, err := getJSONLogFile(labelsName)
	if err != nil {
		return err
	}
	lf.Lock()
	w := protolog.NewTypedWriter(jsonMsgTypeID, lf.f)
	_, err = w.Write(jsondata)
	lf.Unlock()
	return err
}

// ReadJSONMutations streams a JSON array of the mutation records for a label
// layer to the writer.
func ReadJSONMutations(w io.Writer, labelsName string) error {
	if tc.Mutations.Jsonstore == "" {
		return fmt.Errorf("no mutation log jsonstore configured")
	}
	lf, err := getJSONLogFile(labelsName)
	if err != nil {
		return err
	}
	lf.Lock()
	defer func() {
		if _, err := lf.f.Seek(0, io.SeekEnd); err != nil {
			dvid.Criticalf("unable to seek to end of mutation log for labels %q: %v\n", labelsName, err)
		}
		lf.Unlock()
	}()
	if _, err := lf.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("unable to seek to beginning of mutation log for labels %q: %v", labelsName, err)
	}
	r := protolog.NewReader(lf.f)
	if _, err := w.Write([]byte("[")); err != nil {
		return err
	}
	numMutations := 0
	for {
		typeID, jsondata, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading mutation log for labels %q: %v", labelsName, err)
		}
		if typeID != jsonMsgTypeID {
			dvid.Criticalf("Unknown message type in mutation log: %s\n", string(jsondata))
			continue
		}
		if numMutations != 0 {
			if _, err := w.Write([]byte(",")); err != nil {
				return err
			}
		}
		if _, err := w.Write(jsondata); err != nil {
			return err
		}
		numMutations++
	}
	_, err = w.Write([]byte("]"))
	return err
}
