package calls

import (
	"strings"
	"sync"
)

// Registry remembers which phone number each outbound call was dialed to.
// The media stream only carries the provider call SID, so the bridge needs
// this mapping to key conversation state by caller phone number.
type Registry struct {
	mu     sync.Mutex
	phones map[string]string
}

func NewRegistry() *Registry {
	return &Registry{phones: make(map[string]string)}
}

// RegisterDial records the destination number for a provider call SID.
func (r *Registry) RegisterDial(callSID, phoneNumber string) {
	callSID = strings.TrimSpace(callSID)
	phoneNumber = strings.TrimSpace(phoneNumber)
	if callSID == "" || phoneNumber == "" {
		return
	}
	r.mu.Lock()
	r.phones[callSID] = phoneNumber
	r.mu.Unlock()
}

// PhoneFor resolves a call SID to its dialed number. ok is false for calls
// the bridge did not originate.
func (r *Registry) PhoneFor(callSID string) (phone string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	phone, ok = r.phones[strings.TrimSpace(callSID)]
	return phone, ok
}

// Forget drops the mapping once a call completes.
func (r *Registry) Forget(callSID string) {
	r.mu.Lock()
	delete(r.phones, strings.TrimSpace(callSID))
	r.mu.Unlock()
}
