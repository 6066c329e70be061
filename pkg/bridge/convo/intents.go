package convo

import "strings"

// Intent tags produced by the payment-discussion classifier.
const (
	IntentAlreadyPaid     = "already_paid"
	IntentWantsToPay      = "wants_to_pay"
	IntentHardship        = "hardship"
	IntentAccountQuestion = "account_question"
	IntentTransferRequest = "transfer_request"
	IntentDecline         = "decline"
	IntentUnclear         = "unclear"
)

var affirmativeWords = []string{
	"yes", "yeah", "yep", "sure", "speaking", "this is", "correct",
	"that's me", "thats me", "i am", "im", "yup", "uh huh",
}

var negativeWords = []string{
	"no", "nope", "not", "wrong", "different", "isn't",
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// ClassifyConfirmation buckets an identity-confirmation utterance.
// Affirmative wins over negative, matching how "yes, that's not a problem"
// should confirm rather than refuse.
func ClassifyConfirmation(text string) (affirmative, negative bool) {
	lower := strings.ToLower(text)
	if containsAny(lower, affirmativeWords) {
		return true, false
	}
	if containsAny(lower, negativeWords) {
		return false, true
	}
	return false, false
}

// intentRule maps keyword membership to an intent tag. Rules are evaluated
// in order; the first hit wins. A rule with guards only fires when none of
// the guard phrases appear.
type intentRule struct {
	intent  string
	phrases []string
	guards  []string
}

var paymentIntentRules = []intentRule{
	{
		intent: IntentAlreadyPaid,
		phrases: []string{
			"already paid", "paid already", "i paid", "payment made",
			"sent payment", "made payment", "paid it", "sent it",
		},
	},
	{
		intent: IntentWantsToPay,
		phrases: []string{
			"make a payment", "pay now", "pay today", "i'll pay",
			"want to pay", "would like to pay", "yes", "sure", "okay",
		},
		guards: []string{"can't", "cannot", "won't", "wont"},
	},
	{
		intent: IntentHardship,
		phrases: []string{
			"hardship", "financial", "assistance", "help", "can't pay",
			"cannot pay", "difficult", "struggling", "program", "trouble",
		},
	},
	{
		intent: IntentAccountQuestion,
		phrases: []string{
			"question", "explain", "why", "how much", "balance",
			"what is", "tell me", "confused", "don't understand", "dont understand",
		},
	},
	{
		intent: IntentTransferRequest,
		phrases: []string{
			"transfer", "representative", "speak to someone",
			"talk to", "human", "person", "someone else",
		},
	},
	{
		intent: IntentDecline,
		phrases: []string{
			"no", "not now", "not interested", "later", "can't talk",
			"busy", "not good time", "call back",
		},
	},
}

// ClassifyPaymentIntent tags a post-verification utterance.
func ClassifyPaymentIntent(text string) string {
	lower := strings.ToLower(text)
	for _, rule := range paymentIntentRules {
		if !containsAny(lower, rule.phrases) {
			continue
		}
		if len(rule.guards) > 0 && containsAny(lower, rule.guards) {
			continue
		}
		return rule.intent
	}
	return IntentUnclear
}
