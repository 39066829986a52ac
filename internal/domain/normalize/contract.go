package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oncopulse/pulse/internal/domain/event"
	"github.com/oncopulse/pulse/internal/platform/broker"
)

// ContractFailure is one norm entry that broke the event contract.
type ContractFailure struct {
	ID  string
	Err string
}

// ContractReport summarizes a verification pass over the newest norm entries.
type ContractReport struct {
	Checked  int
	Failures []ContractFailure
}

// OK reports whether every checked entry honored the contract.
func (r *ContractReport) OK() bool { return len(r.Failures) == 0 }

// VerifyContract validates the newest count entries on the norm stream: each
// must carry an "e" field whose JSON decodes to a valid event. It is the
// check behind the check-norm command.
func VerifyContract(ctx context.Context, br *broker.Client, stream string, count int64) (*ContractReport, error) {
	entries, err := br.RevRange(ctx, stream, count)
	if err != nil {
		return nil, err
	}
	report := &ContractReport{Checked: len(entries)}
	for _, entry := range entries {
		if err := checkEntry(entry); err != nil {
			report.Failures = append(report.Failures, ContractFailure{ID: entry.ID, Err: err.Error()})
		}
	}
	return report, nil
}

func checkEntry(entry broker.Entry) error {
	e := entry.Fields["e"]
	if e == "" {
		return errors.New("missing e field")
	}
	var ev event.EventCommon
	if err := json.Unmarshal([]byte(e), &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return ev.Validate()
}
