package httpfcs

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
)

// Locker is an HTTP middleware that can lock out the mutating routes,
// returning 423 (locked).  The summit convention: a GUI grabs the lock
// while an operator procedure is running so a second client cannot
// toggle tracking underneath it.
type Locker struct {
	isLocked bool

	// DoNotProtect is a list of path substrings the lock does not
	// apply to
	DoNotProtect []string
}

// NewLocker returns a Locker with the lock route itself unprotected.
func NewLocker() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock the locker
func (l *Locker) Lock() { l.isLocked = true }

// Unlock the locker
func (l *Locker) Unlock() { l.isLocked = false }

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool { return l.isLocked }

// Check bounces mutating requests with http.StatusLocked while the
// locker is held.  Reads always pass.
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && r.Method != http.MethodGet {
			protected := true
			for _, str := range l.DoNotProtect {
				if strings.Contains(r.URL.Path, str) {
					protected = false
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet locks or unlocks based on json:bool in the request body.
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := BoolT{}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON.
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
