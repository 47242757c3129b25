package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/janelia-flyem/labelmerge/dvid"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/zenazn/goji/web"
)

var (
	// global authorization list of user -> "read", "write" or "readwrite".
	authorizedUsers   map[string]string
	authorizedUsersMu sync.RWMutex
)

// authConfig holds the JWT secret and the list of authorized users.  If no
// secret key is given, requests are not authorized.
type authConfig struct {
	AuthFile  string `toml:"auth_file"`
	SecretKey string `toml:"secret_key"`
}

// String hides the secret key when the configuration is logged.
func (c authConfig) String() string {
	if c.SecretKey == "" {
		return "{no auth}"
	}
	return fmt.Sprintf("{auth_file: %q, secret_key: <hidden>}", c.AuthFile)
}

// GenerateJWT returns a JWT for a user signed with the configured secret key.
func GenerateJWT(user string) (string, error) {
	if tc.Auth.SecretKey == "" {
		return "", fmt.Errorf("no secret_key given in [auth] configuration")
	}
	token := jwt.New(jwt.SigningMethodHS256)

	claims := token.Claims.(jwt.MapClaims)
	claims["user"] = user

	tokenString, err := token.SignedString([]byte(tc.Auth.SecretKey))
	if err != nil {
		return "", fmt.Errorf("error with JWT signing: %v", err)
	}
	return tokenString, nil
}

// isAuthorized is middleware that validates a JWT and sets the c.Env["user"] field
// to the authenticated user.  It passes everything through if auth is not configured.
func isAuthorized(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		if tc.Auth.SecretKey == "" || r.Method == http.MethodOptions {
			h.ServeHTTP(w, r)
			return
		}
		reqToken := r.Header.Get("Authorization")
		if len(reqToken) == 0 {
			Unauthorized(w, r, "JWT required via Authorization in request header")
			return
		}
		splitToken := strings.Split(reqToken, "Bearer")
		if len(splitToken) != 2 {
			Unauthorized(w, r, "bearer not in proper format")
			return
		}
		reqToken = strings.TrimSpace(splitToken[1])
		if len(reqToken) == 0 {
			Unauthorized(w, r, "requests require JWT authentication")
			return
		}
		token, err := jwt.Parse(reqToken, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("error signing method: %v", token.Header["alg"])
			}
			return []byte(tc.Auth.SecretKey), nil
		})
		if err != nil {
			Unauthorized(w, r, "error parsing JWT: %v", err)
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			Unauthorized(w, r, "failed authorization")
			return
		}
		user, ok := claims["user"].(string)
		if !ok {
			Unauthorized(w, r, "user %v is not a simple string", claims["user"])
			return
		}
		if !globalIsAuthorized(user, r.Method) {
			Unauthorized(w, r, "user %q is not authorized", user)
			return
		}
		if c.Env == nil {
			c.Env = make(map[interface{}]interface{})
		}
		c.Env["user"] = user
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func loadAuthFile() error {
	if tc.Auth.SecretKey == "" {
		dvid.Infof("No [auth] secret key found.  Proceeding without authorization.\n")
		return nil
	}
	users := make(map[string]string)
	if tc.Auth.AuthFile != "" {
		data, err := os.ReadFile(tc.Auth.AuthFile)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &users); err != nil {
			return fmt.Errorf("bad auth file %q: %v", tc.Auth.AuthFile, err)
		}
	}
	authorizedUsersMu.Lock()
	authorizedUsers = users
	authorizedUsersMu.Unlock()
	dvid.Infof("Loaded %d authorized users.\n", len(users))
	return nil
}

// globalIsAuthorized returns true if the user is in our authorization file
func globalIsAuthorized(user string, httpMethod string) bool {
	authorizedUsersMu.RLock()
	defer authorizedUsersMu.RUnlock()
	if len(authorizedUsers) == 0 {
		return false
	}
	method := strings.ToLower(httpMethod)
	readReq := method == "get" || method == "head"
	priv, found := authorizedUsers[user]
	if !found {
		priv, found = authorizedUsers["*"]
		if !found {
			return false
		}
	}
	switch priv {
	case "readwrite":
		return true
	case "read":
		return readReq
	case "write":
		return !readReq
	default:
		dvid.Errorf("Authorized user %q has unparsable privilege %q\n", user, priv)
		return false
	}
}
