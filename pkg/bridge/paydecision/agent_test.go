package paydecision

import (
	"context"
	"strings"
	"testing"
)

var testHeader = []string{
	"BorrowerId", "NextPaymentDueDate", "TotalPaymentDue", "TotalAmountDue",
	"FeesBalance", "AccountType", "restrict_autopay_draft", "Days Late", "PaymentStatus",
}

func testAgent(t *testing.T, data [][]string) *Agent {
	t.Helper()
	a, err := NewFromRows(testHeader, data, nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a
}

func hasStep(d Decision, name string) bool {
	for _, s := range d.Trace {
		if s.Name == name {
			return true
		}
	}
	return false
}

func stepDetail(d Decision, name string) string {
	for _, s := range d.Trace {
		if s.Name == name {
			return s.Detail
		}
	}
	return ""
}

func TestProcessRequest_PayNowWithAccountOnFile(t *testing.T) {
	a := testAgent(t, [][]string{
		{"B1", "2026-09-01", "1843.50", "1843.50", "0", "checking", "N", "5", "due"},
	})

	d, err := a.ProcessRequest(context.Background(), Request{BorrowerID: "B1", Decision: DecisionPayNow})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if d.Result != ResultPaymentProcessed {
		t.Fatalf("result=%q", d.Result)
	}
	if !strings.HasPrefix(d.Confirmation, "CONF-") {
		t.Fatalf("confirmation=%q", d.Confirmation)
	}
	if got := stepDetail(d, "process_payment"); got != "ACH" {
		t.Fatalf("method=%q", got)
	}
	if hasStep(d, "delinquency_question") {
		t.Fatalf("delinquency question asked at 5 days late")
	}
	if got := stepDetail(d, "fees"); got != "no fees" {
		t.Fatalf("fees step=%q", got)
	}
}

func TestProcessRequest_AlreadyPaidShortCircuits(t *testing.T) {
	a := testAgent(t, [][]string{
		{"B1", "2026-09-01", "1843.50", "1843.50", "0", "checking", "N", "0", "Already Paid"},
	})

	d, err := a.ProcessRequest(context.Background(), Request{BorrowerID: "B1", Decision: DecisionPayNow})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if d.Result != ResultAlreadyPaid {
		t.Fatalf("result=%q", d.Result)
	}
	if d.Confirmation != "" {
		t.Fatalf("confirmation=%q, want none", d.Confirmation)
	}
	if hasStep(d, "decision_received") {
		t.Fatalf("decision walk continued past already-paid")
	}
}

func TestProcessRequest_LateBorrowerGetsEmpathyPrompt(t *testing.T) {
	a := testAgent(t, [][]string{
		{"B1", "2026-09-01", "1843.50", "1843.50", "125.00", "checking", "Y", "22", "due"},
	})

	d, err := a.ProcessRequest(context.Background(), Request{BorrowerID: "B1", Decision: DecisionPromiseToPay})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !hasStep(d, "delinquency_question") {
		t.Fatalf("missing delinquency question at 22 days late")
	}
	if got := stepDetail(d, "suggested_reason_prompt"); !strings.Contains(got, "unexpected circumstances") {
		t.Fatalf("suggested prompt=%q", got)
	}
	if got := stepDetail(d, "fees"); !strings.Contains(got, "125.00") {
		t.Fatalf("fees not disclosed: %q", got)
	}
	if d.Result != ResultPromiseToPay || !strings.HasPrefix(d.Confirmation, "PROMISE-") {
		t.Fatalf("decision=%+v", d)
	}
}

func TestProcessRequest_NoAccountOnFileOneTimePayment(t *testing.T) {
	a := testAgent(t, [][]string{
		{"B1", "2026-09-01", "900.00", "1200.00", "0", "", "N", "0", "due"},
	})

	d, err := a.ProcessRequest(context.Background(), Request{
		BorrowerID:    "B1",
		Decision:      DecisionPayNow,
		RoutingNumber: "111000025",
		LastFour:      "1234",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !hasStep(d, "no_account_on_file") || !hasStep(d, "account_collected") {
		t.Fatalf("trace=%+v", d.Trace)
	}
	if got := stepDetail(d, "process_payment"); got != "one-time ACH" {
		t.Fatalf("method=%q", got)
	}
	// Amount due exceeds the single payment; pay-now takes the partial path.
	if !hasStep(d, "pay_now_partial") {
		t.Fatalf("missing partial-payment step")
	}
}

func TestProcessRequest_ScheduleOfferedWhenBalanceExceedsDue(t *testing.T) {
	a := testAgent(t, [][]string{
		{"B1", "2026-09-01", "900.00", "1200.00", "0", "savings", "N", "0", "due"},
	})

	d, err := a.ProcessRequest(context.Background(), Request{BorrowerID: "B1", Decision: DecisionSchedule})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !hasStep(d, "schedule_future") {
		t.Fatalf("schedule not offered: %+v", d.Trace)
	}
	if d.Result != ResultNoAction {
		t.Fatalf("result=%q", d.Result)
	}
}

func TestProcessRequest_DeclineTakesNoAction(t *testing.T) {
	a := testAgent(t, [][]string{
		{"B1", "2026-09-01", "900.00", "900.00", "0", "checking", "N", "0", "due"},
	})

	d, err := a.ProcessRequest(context.Background(), Request{BorrowerID: "B1", Decision: DecisionNo})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if d.Result != ResultNoAction || d.Confirmation != "" {
		t.Fatalf("decision=%+v", d)
	}
}

func TestProcessRequest_UnknownBorrower(t *testing.T) {
	a := testAgent(t, nil)
	if _, err := a.ProcessRequest(context.Background(), Request{BorrowerID: "B404"}); err == nil {
		t.Fatalf("expected error for unknown borrower")
	}
	if _, err := a.ProcessRequest(context.Background(), Request{}); err == nil {
		t.Fatalf("expected error for missing borrower id")
	}
}

func TestNewFromRows_RequiresBorrowerIDColumn(t *testing.T) {
	if _, err := NewFromRows([]string{"Name"}, nil, nil); err == nil {
		t.Fatalf("expected error without BorrowerId column")
	}
}
