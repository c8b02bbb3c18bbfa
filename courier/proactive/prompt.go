package proactive

import (
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-courier/courier/history"
)

// BuildPrompt writes the instruction handed to the responder for one outreach.
func BuildPrompt(st State, lvl Level, recent []history.Entry) string {
	var b strings.Builder

	b.WriteString("Write a short, friendly follow-up message to re-engage the user. ")
	b.WriteString("Do not repeat earlier messages and do not mention that this message was scheduled.\n")
	fmt.Fprintf(&b, "Cadence: %s. Follow-ups sent without a reply: %d.\n", lvl.Name, st.ConsecutiveOutreaches)

	if st.LastProactiveAt != nil {
		fmt.Fprintf(&b, "Previous follow-up: %s.\n", st.LastProactiveAt.UTC().Format("2006-01-02 15:04 MST"))
	}

	if len(recent) == 0 {
		b.WriteString("There is no earlier conversation; introduce yourself briefly.\n")
	} else {
		last := recent[len(recent)-1]
		fmt.Fprintf(&b, "The last message in the conversation came from the %s.\n", last.Role)
	}

	return b.String()
}
