package subscription

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Failure stages reported in a failed Outcome.
const (
	StageFirstHop           = "first_hop"
	StageRedirectUnresolved = "redirect_unresolved"
	StageFinalHop           = "final_hop"
	StageTransport          = "transport"
	StageEncode             = "encode"
	StageSheetsAPI          = "sheets_api"
)

// maxSnippetRunes caps diagnostic body text.
const maxSnippetRunes = 200

// Kind tags the Outcome variant.
type Kind int

const (
	Delivered Kind = iota
	DeliveredViaRedirect
	Failed
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case DeliveredViaRedirect:
		return "delivered_via_redirect"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Kind        Kind
	Hops        int    // Redirect hops followed (DeliveredViaRedirect only)
	Stage       string // Failed only
	StatusCode  int    // Failed only, 0 for transport errors
	BodySnippet string // Failed only, bounded by Snippet
}

// OK reports whether the record reached the spreadsheet.
func (o Outcome) OK() bool {
	return o.Kind == Delivered || o.Kind == DeliveredViaRedirect
}

// Diagnostic renders a failed outcome as "<stage> <status>: <snippet>".
func (o Outcome) Diagnostic() string {
	if o.OK() {
		return o.Kind.String()
	}
	return fmt.Sprintf("%s %d: %s", o.Stage, o.StatusCode, o.BodySnippet)
}

// DeliveredOutcome is a first-hop success.
func DeliveredOutcome() Outcome {
	return Outcome{Kind: Delivered}
}

// RedirectOutcome is a success after following hops redirects.
func RedirectOutcome(hops int) Outcome {
	return Outcome{Kind: DeliveredViaRedirect, Hops: hops}
}

// FailedOutcome builds a failure, trimming text to a bounded snippet.
func FailedOutcome(stage string, status int, text string) Outcome {
	return Outcome{
		Kind:        Failed,
		Stage:       stage,
		StatusCode:  status,
		BodySnippet: Snippet(text),
	}
}

// Snippet trims whitespace and caps text at 200 runes.
func Snippet(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= maxSnippetRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxSnippetRunes])
}
