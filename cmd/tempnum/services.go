package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/wondertwin-ai/tempnum/internal/remote"
	"github.com/wondertwin-ai/tempnum/internal/timer"
)

// serviceLister is the part of *remote.Client used by the services command.
type serviceLister interface {
	Services(ctx context.Context) ([]remote.Service, error)
}

func listServices(ctx context.Context, api serviceLister, durations timer.Durations, out io.Writer) error {
	services, err := api.Services(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tPRICE\tCAPABILITIES\tCOUNTDOWN\tAVAILABLE")
	for _, s := range services {
		caps := make([]string, 0, len(s.Capabilities))
		for _, c := range s.Capabilities {
			caps = append(caps, string(c))
		}
		available := "yes"
		if !s.Available {
			available = "no"
		}
		fmt.Fprintf(w, "%s\t$%s\t%s\t%s\t%s\n",
			s.Name, s.Price.StringFixed(2), strings.Join(caps, ","),
			formatRemaining(durations.Lookup(s.Name)), available)
	}
	return w.Flush()
}
