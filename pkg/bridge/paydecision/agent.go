package paydecision

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

// Decision outcomes.
const (
	ResultAlreadyPaid      = "already_paid"
	ResultPaymentProcessed = "payment_processed"
	ResultPromiseToPay     = "promise_to_pay"
	ResultNoAction         = "no_action"
)

// Borrower decisions accepted by ProcessRequest.
const (
	DecisionPayNow            = "pay_now"
	DecisionSchedule          = "schedule"
	DecisionPayNowAndSchedule = "pay_now_and_schedule"
	DecisionPromiseToPay      = "promise_to_pay"
	DecisionNo                = "no"
)

// row is one borrower's payment record from the workbook.
type row struct {
	BorrowerID      string
	NextDueDate     string
	TotalPaymentDue float64
	TotalAmountDue  float64
	FeesBalance     float64
	AccountType     string
	RestrictAutopay string
	DaysLate        int
	PaymentStatus   string
}

// Request is one walk through the payment decision flow.
type Request struct {
	BorrowerID string
	Decision   string

	// One-time account details, used only when no account is on file and
	// the borrower chose to pay now.
	ACHAccountType string
	RoutingNumber  string
	LastFour       string
}

// Step is one node of the decision walk, kept for auditability.
type Step struct {
	Name   string `json:"step"`
	Detail string `json:"detail,omitempty"`
}

// Decision is the outcome of one walk.
type Decision struct {
	Result       string `json:"result"`
	Confirmation string `json:"confirmation,omitempty"`
	Trace        []Step `json:"trace"`
}

// Agent walks borrowers through the scripted payment decision flow backed by
// a spreadsheet of account rows.
type Agent struct {
	rows      map[string]row
	suggester Suggester
}

// LoadWorkbook reads the first sheet of an Excel workbook. The first row is
// the header; remaining rows are borrower records.
func LoadWorkbook(path string, suggester Suggester) (*Agent, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	cells, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(cells) < 1 {
		return nil, fmt.Errorf("sheet %q is empty", sheets[0])
	}
	return NewFromRows(cells[0], cells[1:], suggester)
}

// NewFromRows builds an agent from header and data rows.
func NewFromRows(header []string, data [][]string, suggester Suggester) (*Agent, error) {
	if suggester == nil {
		suggester = CannedSuggester{}
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	if _, ok := col["BorrowerId"]; !ok {
		return nil, fmt.Errorf("workbook is missing the BorrowerId column")
	}

	cell := func(cells []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(cells) {
			return ""
		}
		return strings.TrimSpace(cells[i])
	}
	num := func(cells []string, name string) float64 {
		v, err := strconv.ParseFloat(cell(cells, name), 64)
		if err != nil {
			return 0
		}
		return v
	}

	rows := make(map[string]row, len(data))
	for _, cells := range data {
		id := cell(cells, "BorrowerId")
		if id == "" {
			continue
		}
		rows[id] = row{
			BorrowerID:      id,
			NextDueDate:     cell(cells, "NextPaymentDueDate"),
			TotalPaymentDue: num(cells, "TotalPaymentDue"),
			TotalAmountDue:  num(cells, "TotalAmountDue"),
			FeesBalance:     num(cells, "FeesBalance"),
			AccountType:     cell(cells, "AccountType"),
			RestrictAutopay: strings.ToUpper(cell(cells, "restrict_autopay_draft")),
			DaysLate:        int(num(cells, "Days Late")),
			PaymentStatus:   strings.ToLower(cell(cells, "PaymentStatus")),
		}
	}
	return &Agent{rows: rows, suggester: suggester}, nil
}

// ProcessRequest walks the decision flow for one borrower and returns the
// outcome with a full trace.
func (a *Agent) ProcessRequest(ctx context.Context, req Request) (Decision, error) {
	if strings.TrimSpace(req.BorrowerID) == "" {
		return Decision{}, fmt.Errorf("borrower id is required")
	}
	r, ok := a.rows[req.BorrowerID]
	if !ok {
		return Decision{}, fmt.Errorf("no borrower with id %s", req.BorrowerID)
	}

	var trace []Step
	step := func(name, detail string) {
		trace = append(trace, Step{Name: name, Detail: detail})
	}

	step("start", "loaded borrower "+r.BorrowerID)
	step("display_due", fmt.Sprintf("due for %s: %.2f", r.NextDueDate, r.TotalPaymentDue))

	if r.FeesBalance > 0 {
		step("fees", fmt.Sprintf("I also see that you have additional fees in the amount of %.2f.", r.FeesBalance))
	} else {
		step("fees", "no fees")
	}

	accountOnFile := r.AccountType != ""
	step("account_on_file", r.AccountType)
	step("restrict_autopay", r.RestrictAutopay)

	step("days_late", strconv.Itoa(r.DaysLate))
	if r.DaysLate > 15 {
		step("delinquency_question", "What made you fall behind in making your payment?")
		suggested, err := a.suggester.Suggest(ctx, "Provide a concise empathetic prompt asking for reason for missed payment.")
		if err == nil && suggested != "" {
			step("suggested_reason_prompt", suggested)
		}
	}

	step("payment_status", r.PaymentStatus)
	if r.PaymentStatus == "already paid" {
		step("already_paid", "disposition as promise to pay")
		return Decision{Result: ResultAlreadyPaid, Trace: trace}, nil
	}

	decision := req.Decision
	if decision == "" {
		decision = DecisionPayNow
	}
	step("decision_received", decision)

	if !accountOnFile {
		step("no_account_on_file", "I see we don't have an account on file. Would you like a one-time payment today?")
		if decision == DecisionPayNow {
			acctType := req.ACHAccountType
			if acctType == "" {
				acctType = "checking"
			}
			step("account_collected", fmt.Sprintf("type=%s routing=%s last_four=%s", acctType, req.RoutingNumber, req.LastFour))
		} else {
			step("no_account_action", "borrower chose not to provide account info")
		}
	} else {
		step("account_available", "using account on file")
	}

	step("amounts", fmt.Sprintf("TotalAmountDue=%.2f TotalPaymentDue=%.2f", r.TotalAmountDue, r.TotalPaymentDue))
	if r.TotalAmountDue > r.TotalPaymentDue {
		step("amounts_compare", "TotalAmountDue > TotalPaymentDue")
		switch decision {
		case DecisionSchedule, DecisionPayNowAndSchedule:
			step("schedule_future", "I can schedule a future payment for you. When would you like it?")
		case DecisionPayNow:
			step("pay_now_partial", "borrower chooses to pay now")
		}
	} else {
		step("amounts_compare", "TotalAmountDue <= TotalPaymentDue")
	}

	switch decision {
	case DecisionPayNow, DecisionPayNowAndSchedule:
		method := "ACH"
		if !accountOnFile {
			method = "one-time ACH"
		}
		conf := confirmationNumber("CONF")
		step("process_payment", method)
		step("wrap_up", conf)
		return Decision{Result: ResultPaymentProcessed, Confirmation: conf, Trace: trace}, nil

	case DecisionPromiseToPay:
		conf := confirmationNumber("PROMISE")
		step("promise_to_pay", "noted")
		step("wrap_up", conf)
		return Decision{Result: ResultPromiseToPay, Confirmation: conf, Trace: trace}, nil
	}

	step("no_action", "no payment action taken")
	return Decision{Result: ResultNoAction, Trace: trace}, nil
}

func confirmationNumber(prefix string) string {
	id := uuid.NewString()
	return prefix + "-" + strings.ToUpper(id[:8])
}
