package history

import (
	"strings"

	"github.com/hpungsan/casegate/internal/cases"
)

var customerPhrases = []string{
	"thank you",
	"please help",
	"we are experiencing",
	"we're experiencing",
	"our users",
	"our production",
}

var supportPhrases = []string{
	"i have reviewed",
	"i've reviewed",
	"please let me know",
	"support team",
	"case update",
	"attached debug",
	"best regards, support",
}

// compound indicators: the first phrase and any of the rest must all appear.
var customerPairs = [][]string{
	{"our ", "system", "server", "storage", "pool", "array"},
	{"i am", "experiencing"},
	{"can you", "help"},
}

var supportPairs = [][]string{
	{"i will", "follow up", "investigate"},
	{"we will", "dispatch", "schedule"},
}

var supportSenderMarkers = []string{"support", "engineer", "helpdesk"}
var customerSenderMarkers = []string{"customer", "client"}

// InferOwner attributes a message to the customer or support side.
//
// Sender metadata weighs twice as much as text cues. A tie, including no
// evidence at all, yields OwnerUnknown.
func InferOwner(sender, text, vendor string) cases.Owner {
	sender = strings.ToLower(strings.TrimSpace(sender))
	text = strings.ToLower(text)
	vendor = strings.ToLower(strings.TrimSpace(vendor))

	var customer, support int

	if sender != "" {
		switch {
		case vendor != "" && strings.Contains(sender, vendor):
			support += 2
		case containsAny(sender, supportSenderMarkers):
			support += 2
		case containsAny(sender, customerSenderMarkers):
			customer += 2
		}
	}

	for _, p := range customerPhrases {
		if strings.Contains(text, p) {
			customer++
		}
	}
	for _, p := range supportPhrases {
		if strings.Contains(text, p) {
			support++
		}
	}
	for _, pair := range customerPairs {
		if strings.Contains(text, pair[0]) && containsAny(text, pair[1:]) {
			customer++
		}
	}
	for _, pair := range supportPairs {
		if strings.Contains(text, pair[0]) && containsAny(text, pair[1:]) {
			support++
		}
	}

	if vendor != "" && strings.Contains(text, vendor) {
		support++
	} else if strings.Contains(text, "@") {
		// An address that is not the vendor's is usually the customer's signature.
		customer++
	}

	switch {
	case customer > support:
		return cases.OwnerCustomer
	case support > customer:
		return cases.OwnerSupport
	default:
		return cases.OwnerUnknown
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
