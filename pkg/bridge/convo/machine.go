package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/essexlabs/avery-bridge/pkg/bridge/borrowers"
)

// BorrowerSource resolves a caller phone number to their account record.
type BorrowerSource interface {
	LookupByPhone(ctx context.Context, phoneNumber string) (borrowers.Borrower, error)
}

// Reply is the machine's answer to one caller utterance. Transfer marks the
// call for hand-off to a human; once set, the machine stays silent.
type Reply struct {
	Text     string
	Stage    string
	Transfer bool
}

// Machine drives the deterministic verification and payment conversation.
// It is keyed by caller phone number via the session Store, so one machine
// serves all concurrent calls.
type Machine struct {
	store     *Store
	borrowers BorrowerSource
	logger    *slog.Logger

	identityAttempts int
	verifyAttempts   int
}

func NewMachine(store *Store, source BorrowerSource, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:            store,
		borrowers:        source,
		logger:           logger,
		identityAttempts: 2,
		verifyAttempts:   3,
	}
}

// Respond processes one caller utterance and returns what the agent should
// say next. Empty reply text means the agent stays silent.
func (m *Machine) Respond(ctx context.Context, callerKey, utterance string) (Reply, error) {
	callerKey = strings.TrimSpace(callerKey)
	utterance = strings.TrimSpace(utterance)

	sess := m.store.Get(callerKey)

	// A transferred call gets no further scripted replies; repeating the
	// hold message over the hand-off is worse than silence.
	if sess.Stage == StageTransfer {
		return Reply{Stage: StageTransfer, Transfer: true}, nil
	}

	borrower, err := m.borrowers.LookupByPhone(ctx, callerKey)
	if errors.Is(err, borrowers.ErrNotFound) {
		sess.Stage = StageTransfer
		m.logger.Warn("no borrower record", "caller", callerKey)
		return Reply{
			Text:     "I'm sorry, I couldn't locate your account in our system. Let me connect you to a representative who can assist you. Please hold.",
			Stage:    StageNoRecord,
			Transfer: true,
		}, nil
	}
	if err != nil {
		return Reply{
			Text:     "I'm experiencing technical difficulties. Let me connect you to a representative who can help.",
			Stage:    StageError,
			Transfer: true,
		}, err
	}

	if utterance != "" {
		m.store.AppendTurn(callerKey, "user", utterance)
	}

	var reply Reply
	switch sess.Stage {
	case StageInitialGreeting:
		reply = m.handleInitialGreeting(sess, borrower)
	case StageConfirmIdentity:
		reply = m.handleConfirmIdentity(sess, borrower, utterance)
	case StageVerifyDOB:
		reply = m.handleVerifyDOB(sess, borrower, utterance)
	case StageVerifyAccount:
		reply = m.handleVerifyAccount(sess, borrower, utterance)
	case StageVerifyAddress:
		reply = m.handleVerifyAddress(sess, borrower, utterance)
	case StageVerificationComplete:
		reply = m.handleVerificationComplete(sess, borrower)
	case StagePaymentDiscussion:
		reply = m.handlePaymentDiscussion(sess, borrower, utterance)
	default:
		reply = Reply{
			Text:  "I'm sorry, I didn't catch that. Could you please repeat?",
			Stage: sess.Stage,
		}
	}

	if reply.Text != "" {
		m.store.AppendTurn(callerKey, "assistant", reply.Text)
	}
	m.logger.Info("conversation turn",
		"caller", callerKey, "stage", reply.Stage, "transfer", reply.Transfer)
	return reply, nil
}

func (m *Machine) handleInitialGreeting(sess *Session, b borrowers.Borrower) Reply {
	sess.Stage = StageConfirmIdentity
	sess.Attempts = 0

	name := b.Name
	if name == "" {
		name = "the account holder"
	}
	return Reply{
		Text: fmt.Sprintf(
			"Hi, this is Avery calling from Essex Mortgage on a recorded line. May I please speak with %s?", name),
		Stage: sess.Stage,
	}
}

func (m *Machine) handleConfirmIdentity(sess *Session, b borrowers.Borrower, utterance string) Reply {
	affirmative, negative := ClassifyConfirmation(utterance)

	switch {
	case affirmative:
		sess.NameConfirmed = true
		sess.Stage = StageVerifyDOB
		sess.Attempts = 0
		return Reply{
			Text:  "Thank you for confirming. For security purposes, I need to verify a few details. Could you please provide your full date of birth?",
			Stage: sess.Stage,
		}
	case negative:
		sess.Stage = StageTransfer
		return Reply{
			Text:     "I apologize for the confusion. Let me connect you to a representative who can assist you properly. Please hold.",
			Stage:    sess.Stage,
			Transfer: true,
		}
	default:
		sess.Attempts++
		if sess.Attempts >= m.identityAttempts {
			sess.Stage = StageTransfer
			return Reply{
				Text:     "I'm having difficulty confirming your identity. Let me transfer you to a representative. Please hold.",
				Stage:    sess.Stage,
				Transfer: true,
			}
		}
		name := b.Name
		if name == "" {
			name = "the account holder"
		}
		return Reply{
			Text:  fmt.Sprintf("I'm sorry, I didn't catch that. Am I speaking with %s? Please say yes or no.", name),
			Stage: sess.Stage,
		}
	}
}

// dobRenderings are the digit orderings a stored date of birth may be spoken
// in: month-day-year, day-month-year, year-month-day, and the 2-digit-year
// variants of the first two.
func dobRenderings(b borrowers.Borrower) []string {
	d := b.DateOfBirth
	return []string{
		d.Format("01022006"),
		d.Format("02012006"),
		d.Format("20060102"),
		d.Format("010206"),
		d.Format("020106"),
	}
}

func (m *Machine) handleVerifyDOB(sess *Session, b borrowers.Borrower, utterance string) Reply {
	current := DOBDigits(utterance)
	sess.PartialDOB += current
	accumulated := sess.PartialDOB

	verified := false
	for _, fmtDigits := range dobRenderings(b) {
		if fmtDigits == accumulated || (len(accumulated) >= 6 && strings.Contains(accumulated, fmtDigits)) {
			verified = true
			break
		}
		if fmtDigits == current {
			verified = true
			break
		}
	}

	if verified {
		sess.VerifiedDOB = true
		sess.Stage = StageVerifyAccount
		sess.Attempts = 0
		sess.PartialDOB = ""
		return Reply{
			Text:  "Thank you. Now, could you please tell me the last four digits of your bank account number on file?",
			Stage: sess.Stage,
		}
	}

	// A short digit run is an unfinished answer, not a failed one.
	if len(accumulated) < 8 {
		return Reply{
			Text:  "I've got that. Please continue with the rest of your date of birth.",
			Stage: sess.Stage,
		}
	}

	sess.Attempts++
	sess.PartialDOB = ""
	if sess.Attempts >= m.verifyAttempts {
		sess.Stage = StageTransfer
		return Reply{
			Text:     "I'm sorry, I couldn't verify your date of birth after three attempts. For your security, I'll connect you to a representative who can assist you. Please hold.",
			Stage:    sess.Stage,
			Transfer: true,
		}
	}
	return Reply{
		Text: fmt.Sprintf(
			"That doesn't match our records. This is attempt %d of %d. Please provide your complete date of birth, including month, day, and year.",
			sess.Attempts, m.verifyAttempts),
		Stage: sess.Stage,
	}
}

func (m *Machine) handleVerifyAccount(sess *Session, b borrowers.Borrower, utterance string) Reply {
	digits := AccountDigits(utterance)
	lastFour := b.AccountLastFour

	verified := lastFour != "" &&
		(lastFour == digits || (len(digits) >= 4 && strings.Contains(digits, lastFour)))

	if verified {
		sess.VerifiedAccount = true
		sess.Stage = StageVerifyAddress
		sess.Attempts = 0
		return Reply{
			Text:  "Perfect. Lastly, can you confirm the street number or first word of your property address on file?",
			Stage: sess.Stage,
		}
	}

	sess.Attempts++
	if sess.Attempts >= m.verifyAttempts {
		sess.Stage = StageTransfer
		return Reply{
			Text:     "I'm sorry, I couldn't verify your account number. Let me connect you to a representative for further assistance. Please hold.",
			Stage:    sess.Stage,
			Transfer: true,
		}
	}
	return Reply{
		Text:  "I didn't catch that correctly. Could you please repeat the last four digits of your bank account number?",
		Stage: sess.Stage,
	}
}

func (m *Machine) handleVerifyAddress(sess *Session, b borrowers.Borrower, utterance string) Reply {
	verified := false
	if parts := strings.Fields(strings.ToLower(b.PropertyAddress)); len(parts) > 0 {
		firstWord := parts[0]
		streetNumber := keepDigits(firstWord)
		lower := strings.ToLower(utterance)

		if firstWord != "" && strings.Contains(lower, firstWord) {
			verified = true
		}
		if userDigits := keepDigits(utterance); streetNumber != "" && userDigits != "" && streetNumber == userDigits {
			verified = true
		}
	}

	if verified {
		sess.VerifiedAddress = true
		sess.Stage = StageVerificationComplete
		sess.Attempts = 0
		// Not a wait state: roll straight into the reason for the call.
		return m.handleVerificationComplete(sess, b)
	}

	sess.Attempts++
	if sess.Attempts >= m.verifyAttempts {
		sess.Stage = StageTransfer
		return Reply{
			Text:     "I'm sorry, I couldn't verify your address. For your security, I'll connect you to a representative. Please hold.",
			Stage:    sess.Stage,
			Transfer: true,
		}
	}
	return Reply{
		Text:  "That doesn't match our records. Could you please confirm the street number or first word of your property address?",
		Stage: sess.Stage,
	}
}

func (m *Machine) handleVerificationComplete(sess *Session, b borrowers.Borrower) Reply {
	sess.Stage = StagePaymentDiscussion

	firstName := b.Name
	if fields := strings.Fields(b.Name); len(fields) > 0 {
		firstName = fields[0]
	}
	dueDate := "unknown"
	if !b.DueDate.IsZero() {
		dueDate = b.DueDate.Format("January 2, 2006")
	}

	return Reply{
		Text: fmt.Sprintf(
			"Thank you for verifying your information, %s. "+
				"I'm calling today regarding your mortgage account with Essex Mortgage. "+
				"Our records show you have an outstanding balance of $%.2f with a due date of %s. "+
				"Would you like to make a payment today, or do you have any questions about your account?",
			firstName, b.DueAmount, dueDate),
		Stage: sess.Stage,
	}
}

func (m *Machine) handlePaymentDiscussion(sess *Session, b borrowers.Borrower, utterance string) Reply {
	switch ClassifyPaymentIntent(utterance) {
	case IntentAlreadyPaid:
		if b.PaymentStatus == "paid" {
			return Reply{
				Text:  "Thank you for confirming. Our records show your payment has been received and processed. Would you like me to send you a confirmation email?",
				Stage: sess.Stage,
			}
		}
		sess.Stage = StageTransfer
		return Reply{
			Text:     "I see. Our current records don't show a recent payment, but it may still be processing. Let me connect you to a payment specialist who can verify this for you immediately. Please hold.",
			Stage:    sess.Stage,
			Transfer: true,
		}

	case IntentWantsToPay:
		return Reply{
			Text:  "Excellent. I can help you with that. We accept payment by bank draft, debit card, or credit card. Which payment method would you prefer today?",
			Stage: sess.Stage,
		}

	case IntentHardship:
		sess.Stage = StageTransfer
		if b.HardshipEligible {
			return Reply{
				Text:     "I understand, and I'm here to help. Based on your account, you may qualify for one of our assistance programs. Let me connect you with a hardship specialist who can discuss your options. Please hold.",
				Stage:    sess.Stage,
				Transfer: true,
			}
		}
		return Reply{
			Text:     "I understand your situation. Let me connect you with a specialist who can review your account and discuss what options might be available to you. Please hold.",
			Stage:    sess.Stage,
			Transfer: true,
		}

	case IntentAccountQuestion:
		return Reply{
			Text:  "I'd be happy to help answer your questions. What specifically would you like to know about your account or balance?",
			Stage: sess.Stage,
		}

	case IntentTransferRequest:
		sess.Stage = StageTransfer
		return Reply{
			Text:     "Of course. Let me connect you to a representative right away. Please hold.",
			Stage:    sess.Stage,
			Transfer: true,
		}

	case IntentDecline:
		return Reply{
			Text:  "I understand. Is there a better time for us to reach you, or would you prefer to call us back at your convenience? Our customer service line is available Monday through Friday, 9 AM to 5 PM.",
			Stage: sess.Stage,
		}

	default:
		return Reply{
			Text:  "I want to make sure I help you properly. Are you looking to make a payment today, do you have questions about your account, or would you like to speak with a specialist?",
			Stage: sess.Stage,
		}
	}
}
