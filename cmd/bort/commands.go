package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bort-os/bort/internal/audit"
	"github.com/bort-os/bort/internal/budget"
	"github.com/bort-os/bort/internal/buildinfo"
	"github.com/bort-os/bort/internal/envelope"
	"github.com/bort-os/bort/internal/policy"
	"github.com/bort-os/bort/internal/redact"
	"github.com/bort-os/bort/internal/report"
	"github.com/bort-os/bort/internal/router"
	"github.com/bort-os/bort/internal/xapi"
)

// maxLine bounds one envelope on the gate's input.
const maxLine = 1 << 20

// openInput returns the named file, or stdin for no argument or "-".
func openInput(g globals, args []string) (io.ReadCloser, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(g.stdin), nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, err
	}
	return f, nil
}

// verdict is one validation outcome as printed by preflight and gate.
type verdict struct {
	OK       bool             `json:"ok"`
	Ask      string           `json:"ask,omitempty"`
	Issues   []string         `json:"issues,omitempty"`
	Header   string           `json:"header,omitempty"`
	Decision *router.Decision `json:"decision,omitempty"`
}

// recordReject writes a rejection to the audit sinks. The raw input is
// consulted only for the hat and sensitivity the entry is filed under.
func (a *app) recordReject(ctx context.Context, data []byte, res envelope.Result) {
	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	hat, _ := raw["hat"].(string)
	sensitivity, _ := raw["dataSensitivity"].(string)
	if _, ok := a.policy.Current().Hat(hat); !ok {
		hat = ""
	}
	now := time.Now()
	err := audit.Safe(ctx, a.sink, audit.Event{
		Time:            now,
		Kind:            audit.KindReject,
		Hat:             hat,
		DataSensitivity: sensitivity,
		Heading:         audit.Stamp(now) + " - envelope rejected",
		Lines:           res.Issues,
		Fields:          map[string]any{"issues": res.Issues},
	})
	if err != nil {
		a.logger.Debug("rejection audit failed", "error", err)
	}
}

func (a *app) check(ctx context.Context, v *envelope.Validator, data []byte, route bool) verdict {
	res := v.ValidateJSON(data)
	if !res.OK {
		a.recordReject(ctx, data, res)
		return verdict{Ask: res.Ask, Issues: res.Issues}
	}
	out := verdict{OK: true, Header: envelope.Header(res.Envelope)}
	if route {
		d := a.router.Route(ctx, res.Envelope)
		out.Decision = &d
	}
	return out
}

// runPreflight validates every JSON value in the input in order, so
// escalation after repeated rejections shows up across the stream.
func runPreflight(ctx context.Context, g globals, args []string) error {
	in, err := openInput(g, args)
	if err != nil {
		return err
	}
	defer in.Close()

	a, err := loadApp(ctx, g, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	v := envelope.NewValidator(a.policy)
	dec := json.NewDecoder(in)
	enc := json.NewEncoder(g.stdout)
	var total, rejected int
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		total++
		if err != nil {
			// The decoder cannot resynchronize after a syntax error.
			out := a.check(ctx, v, nil, false)
			rejected++
			if err := enc.Encode(out); err != nil {
				return err
			}
			a.logger.Warn("preflight input is not JSON, stopping", "envelope", total, "error", err)
			break
		}
		out := a.check(ctx, v, raw, false)
		if !out.OK {
			rejected++
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	if rejected > 0 {
		return fmt.Errorf("%d of %d envelopes rejected", rejected, total)
	}
	return nil
}

// runGate validates and routes one envelope per input line until EOF
// or cancellation. Rejections are answered, never fatal.
func runGate(ctx context.Context, g globals) error {
	a, err := loadApp(ctx, g, appOptions{mqtt: true})
	if err != nil {
		return err
	}
	defer a.Close()

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Policy.Watch && a.policyPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := policy.Watch(ctx, a.policyPath, a.policy, a.logger); err != nil && ctx.Err() == nil {
				a.logger.Warn("policy watch stopped", "error", err)
			}
		}()
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(g.stdin)
		sc.Buffer(make([]byte, 64*1024), maxLine)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	a.logger.Info("gate ready", "policy", a.policy.Current().Source())
	v := envelope.NewValidator(a.policy)
	enc := json.NewEncoder(g.stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read envelopes: %w", err)
					}
				default:
				}
				return nil
			}
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			if err := enc.Encode(a.check(ctx, v, line, true)); err != nil {
				return err
			}
		}
	}
}

// runRoute validates one envelope and prints the model chosen for it.
func runRoute(ctx context.Context, g globals, args []string) error {
	in, err := openInput(g, args)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(in, maxLine))
	in.Close()
	if err != nil {
		return err
	}

	a, err := loadApp(ctx, g, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	out := a.check(ctx, envelope.NewValidator(a.policy), data, true)
	if g.json() {
		if err := writeJSON(g.stdout, out); err != nil {
			return err
		}
	} else if out.OK {
		fmt.Fprintln(g.stdout, out.Header)
		fmt.Fprintf(g.stdout, "model: %s\nreason: %s\nrequiresWebSearch: %t\n",
			out.Decision.Model, out.Decision.Reason, out.Decision.RequiresWebSearch)
	} else {
		fmt.Fprintln(g.stdout, out.Ask)
	}
	if !out.OK {
		return errSilent
	}
	return nil
}

// runFilter checks the input for secret-shaped content. Blocked input
// exits non-zero; the content itself is never echoed.
func runFilter(g globals, args []string) error {
	in, err := openInput(g, args)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(in)
	in.Close()
	if err != nil {
		return err
	}

	res := redact.New().Check(string(data))
	switch {
	case g.json():
		if err := writeJSON(g.stdout, res); err != nil {
			return err
		}
	case res.OK:
		fmt.Fprintln(g.stdout, "ok")
	default:
		fmt.Fprintf(g.stdout, "blocked (%s): %s\n", res.BlockID, res.Pointer)
	}
	if !res.OK {
		return errSilent
	}
	return nil
}

func runBudget(ctx context.Context, g globals) error {
	a, err := loadApp(ctx, g, appOptions{mqtt: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ledger, err := a.Budget(ctx)
	if err != nil {
		return err
	}
	st, err := ledger.Status(ctx)
	if err != nil {
		return err
	}
	if a.mqtt != nil {
		a.mqtt.PublishStatus(ctx, st.SpendUSD, st.CapUSD)
	}
	if g.json() {
		return writeJSON(g.stdout, st)
	}
	fmt.Fprintf(g.stdout, "day:       %s\n", st.Day)
	fmt.Fprintf(g.stdout, "spend:     $%.4f\n", st.SpendUSD)
	fmt.Fprintf(g.stdout, "cap:       $%.4f\n", st.CapUSD)
	fmt.Fprintf(g.stdout, "remaining: $%.4f\n", st.RemainingUSD)
	fmt.Fprintf(g.stdout, "entries:   %d\n", st.Entries)
	return nil
}

// runCall makes one metered call and prints the result as JSON. A
// blocked call is a normal outcome; only failures to record spend or
// reach a credential exit non-zero.
func runCall(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(g.stderr)
	method := fs.String("method", "GET", "HTTP method")
	endpoint := fs.String("endpoint", "", "API path, e.g. /2/users/me")
	actionType := fs.String("type", "other", "action type (tweet, follow, unfollow, lookup, other)")
	bodyFile := fs.String("body", "", "JSON request body file (- for stdin)")
	extract := fs.String("extract", "", "comma-separated dot paths to copy from the response")
	details := fs.String("details", "", "short human-safe note kept if the call is queued")
	cost := fs.String("cost", "", "override the estimated cost in USD")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *endpoint == "" {
		return errors.New("usage: bort call -method M -endpoint /2/... [-type T] [-body file] [-extract a,b] [-details s] [-cost usd]")
	}

	req := xapi.Request{
		Action: budget.Action{
			Type:     *actionType,
			Method:   strings.ToUpper(*method),
			Endpoint: *endpoint,
			Details:  *details,
		},
	}
	if *cost != "" {
		v, err := strconv.ParseFloat(*cost, 64)
		if err != nil {
			return fmt.Errorf("-cost: %w", err)
		}
		if !(v >= 0 && v <= budget.MaxCostUSD) {
			return fmt.Errorf("-cost: must be between 0 and %d", budget.MaxCostUSD)
		}
		req.Action.CostOverride = &v
	}
	if *bodyFile != "" {
		in, err := openInput(g, []string{*bodyFile})
		if err != nil {
			return fmt.Errorf("-body: %w", err)
		}
		err = json.NewDecoder(in).Decode(&req.Body)
		in.Close()
		if err != nil {
			return fmt.Errorf("-body: %w", err)
		}
	}
	for _, p := range strings.Split(*extract, ",") {
		if p = strings.TrimSpace(p); p != "" {
			req.ExtractPaths = append(req.ExtractPaths, p)
		}
	}

	a, err := loadApp(ctx, g, appOptions{mqtt: true})
	if err != nil {
		return err
	}
	defer a.Close()

	caller, err := a.Caller(ctx)
	if err != nil {
		return err
	}
	res, callErr := caller.Call(ctx, req)
	if err := writeJSON(g.stdout, res); err != nil {
		return errors.Join(callErr, err)
	}
	return callErr
}

func runReport(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(g.stderr)
	format := fs.String("format", "md", "md or html")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *format != "md" && *format != "html" {
		return fmt.Errorf("unknown report format: %q (expected md or html)", *format)
	}

	a, err := loadApp(ctx, g, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ledger, err := a.Budget(ctx)
	if err != nil {
		return err
	}
	host, _ := os.Hostname()
	r, err := report.Build(ctx, report.Sources{
		Host:      host,
		Workspace: a.cfg.Workspace,
		Version:   buildinfo.Info()["version"],
		Policy:    a.policy.Current(),
		Router:    a.router,
		Ledger:    ledger,
		Store:     a.store,
		Queue:     a.queue,
		Logger:    a.logger,
	}, time.Now())
	if err != nil {
		return err
	}

	switch {
	case g.json():
		return writeJSON(g.stdout, r)
	case *format == "html":
		return r.WriteHTML(g.stdout)
	default:
		_, err := io.WriteString(g.stdout, r.Markdown())
		return err
	}
}

func runModels(ctx context.Context, g globals) error {
	a, err := loadApp(ctx, g, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	inv := a.router.Tables().Inventory()
	if g.json() {
		return writeJSON(g.stdout, inv)
	}
	fmt.Fprintln(g.stdout, "Providers:")
	for _, p := range inv.Providers {
		fmt.Fprintf(g.stdout, "  %-16s configured=%t verified=%t\n", p.Name, p.Configured, p.Verified)
	}
	fmt.Fprintln(g.stdout, "Models:")
	for _, m := range inv.Models {
		state := "available"
		if !m.Available {
			state = "unavailable"
		}
		fmt.Fprintf(g.stdout, "  %-44s %s\n", m.ID, state)
	}
	fmt.Fprintln(g.stdout, "Routes:")
	cats := make([]string, 0, len(inv.Routes))
	for c := range inv.Routes {
		cats = append(cats, c)
	}
	slices.Sort(cats)
	for _, c := range cats {
		fmt.Fprintf(g.stdout, "  %-14s %s\n", c, strings.Join(inv.Routes[c], " → "))
	}
	if len(inv.Blacklist) > 0 {
		fmt.Fprintf(g.stdout, "Blacklist: %s\n", strings.Join(inv.Blacklist, ", "))
	}
	return nil
}

func runPolicy(ctx context.Context, g globals) error {
	a, err := loadApp(ctx, g, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	table := a.policy.Current()
	hats := make([]*policy.Hat, 0, len(table.Names()))
	for _, name := range table.Names() {
		h, _ := table.Hat(name)
		hats = append(hats, h)
	}
	if g.json() {
		return writeJSON(g.stdout, map[string]any{"source": table.Source(), "hats": hats})
	}
	fmt.Fprintf(g.stdout, "source: %s\n", table.Source())
	for _, h := range hats {
		types := "any"
		if h.RestrictsTaskTypes() {
			types = strings.Join(h.AllowedTaskTypes, ",")
		}
		fmt.Fprintf(g.stdout, "  %-10s identities=%s taskTypes=%s sensitivity=%s guards=%d\n",
			h.Name, strings.Join(h.AllowedIdentityContexts, ","), types, h.DefaultDataSensitivity, len(h.Guards))
	}
	return nil
}
