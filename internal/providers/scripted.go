package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/eferist/weft/internal/invoke"
)

// NewScripted returns a deterministic offline strategy. It answers with a
// labelled echo of the prompt's head so propagation and synthesis stay
// inspectable without any credentials or network.
func NewScripted(name string) invoke.Strategy {
	return invoke.Func{StrategyName: name, Run: func(ctx context.Context, work invoke.UnitOfWork) (string, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "(offline %s) %s", work.SubtaskID, head(work.Prompt, 200))
		if len(work.Capabilities) > 0 {
			names := make([]string, 0, len(work.Capabilities))
			for _, c := range work.Capabilities {
				names = append(names, c.Name())
			}
			fmt.Fprintf(&b, " [capabilities: %s]", strings.Join(names, ", "))
		}
		return b.String(), nil
	}}
}

func head(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
