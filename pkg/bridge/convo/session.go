package convo

import (
	"strings"
	"sync"
	"time"
)

// Verification stages, in call order. transfer and no_record are terminal.
const (
	StageInitialGreeting      = "initial_greeting"
	StageConfirmIdentity      = "confirm_identity"
	StageVerifyDOB            = "verify_dob"
	StageVerifyAccount        = "verify_account"
	StageVerifyAddress        = "verify_address"
	StageVerificationComplete = "verification_complete"
	StagePaymentDiscussion    = "payment_discussion"
	StageTransfer             = "transfer"
	StageNoRecord             = "no_record"
	StageError                = "error"
)

// Turn is one utterance in a session's running transcript.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// Session is the per-caller verification state. Keys are caller phone
// numbers, so state survives across reconnections within one call and is
// dropped when the call ends.
type Session struct {
	Stage           string
	Attempts        int
	VerifiedDOB     bool
	VerifiedAccount bool
	VerifiedAddress bool
	NameConfirmed   bool
	PartialDOB      string
	Language        string
	History         []Turn
}

func newSession() *Session {
	return &Session{Stage: StageInitialGreeting}
}

// Store holds live sessions. All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Get returns the session for a caller, creating it on first use.
func (s *Store) Get(callerKey string) *Session {
	callerKey = strings.TrimSpace(callerKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[callerKey]
	if !ok {
		sess = newSession()
		s.sessions[callerKey] = sess
	}
	return sess
}

// Clear drops a caller's session. Safe to call for unknown keys.
func (s *Store) Clear(callerKey string) {
	callerKey = strings.TrimSpace(callerKey)
	s.mu.Lock()
	delete(s.sessions, callerKey)
	s.mu.Unlock()
}

// AppendTurn records one transcript turn for the caller.
func (s *Store) AppendTurn(callerKey, role, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	sess := s.Get(callerKey)
	s.mu.Lock()
	sess.History = append(sess.History, Turn{Role: role, Content: content, Timestamp: time.Now().UTC()})
	s.mu.Unlock()
}

// History returns up to the last n transcript turns for the caller.
func (s *Store) History(callerKey string, n int) []Turn {
	sess := s.Get(callerKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := sess.History
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// SetLanguage records the session's active language.
func (s *Store) SetLanguage(callerKey, language string) {
	sess := s.Get(callerKey)
	s.mu.Lock()
	sess.Language = language
	s.mu.Unlock()
}

// Language returns the session's active language, or "" if never set.
func (s *Store) Language(callerKey string) string {
	sess := s.Get(callerKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	return sess.Language
}
