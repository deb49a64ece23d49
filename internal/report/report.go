// Package report renders the result of a bootstrap run for people (a table
// per phase) and for tools (JSON).
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/bootstrap"
	"github.com/felixgeelhaar/kubeboot/internal/domain/convergence"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const maxErrorWidth = 72

var titleCaser = cases.Title(language.English)

// phaseTitle turns an identifier such as "control-plane" into "Control Plane".
func phaseTitle(id string) string {
	return titleCaser.String(strings.ReplaceAll(id, "-", " "))
}

// RenderText writes a human-readable report: a header, one host table per
// phase and a summary line.
func RenderText(w io.Writer, r *bootstrap.Report) error {
	header := fmt.Sprintf("Bootstrap run %s", r.RunID)
	if r.DryRun {
		header += " (dry run)"
	}
	if _, err := fmt.Fprintln(w, titleStyle.Render(header)); err != nil {
		return err
	}

	state := phaseTitle(r.State.String())
	if r.Degraded() {
		state += " (degraded)"
	}
	stateStyle := successStyle
	switch {
	case !r.Converged():
		stateStyle = errorStyle
	case r.Degraded():
		stateStyle = warningStyle
	}
	_, _ = fmt.Fprintf(w, "State: %s  Duration: %s\n", stateStyle.Render(state), r.Duration().Round(time.Millisecond))
	if r.CredentialSource != "" {
		_, _ = fmt.Fprintf(w, "Join credential: %s\n", r.CredentialSource)
	}

	for _, rr := range r.Roles() {
		_, _ = fmt.Fprintf(w, "\n%s  %s\n",
			titleStyle.Render(phaseTitle(rr.Role.String())),
			roleStatusStyle(rr.Status).Render(string(rr.Status)))
		renderHosts(w, rr.Hosts)
	}

	if r.Overlay != nil {
		_, _ = fmt.Fprintf(w, "\n%s\n", titleStyle.Render(phaseTitle(bootstrap.StateNetworkOverlayApply.String())))
		renderHosts(w, []*execution.HostResult{r.Overlay})
	}

	_, _ = fmt.Fprintln(w)
	hosts := r.Hosts()
	converged := len(hosts) - len(r.FailedHosts())
	summary := fmt.Sprintf("%d/%d hosts converged", converged, len(hosts))
	if r.DryRun {
		summary = fmt.Sprintf("%d/%d hosts planned", converged, len(hosts))
	}
	_, _ = fmt.Fprintf(w, "Summary: %s\n", summary)
	if failed := r.FailedHosts(); len(failed) > 0 {
		ids := make([]string, len(failed))
		for i, hr := range failed {
			ids[i] = hr.Host.ID().String()
		}
		_, _ = fmt.Fprintf(w, "Not converged: %s\n", warningStyle.Render(strings.Join(ids, ", ")))
	}
	if r.OverlayFailed() {
		_, _ = fmt.Fprintln(w, warningStyle.Render("Network overlay was not applied"))
	}
	if r.Err != nil {
		_, err := fmt.Fprintf(w, "Error: %s\n", errorStyle.Render(r.Err.Error()))
		return err
	}
	return nil
}

func renderHosts(w io.Writer, hosts []*execution.HostResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Host", "Address", "Status", "Applied", "Skipped", "Failed Step", "Error"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, hr := range hosts {
		table.Append([]string{
			hr.Host.ID().String(),
			hr.Host.Address(),
			hostStatusStyle(hr.Status).Render(string(hr.Status)),
			fmt.Sprintf("%d", hr.StepsApplied()),
			fmt.Sprintf("%d", hr.StepsSkipped()),
			hr.FailedStep,
			shortError(hr.Err),
		})
	}
	table.Render()
}

// shortError returns the first line of err, truncated to fit a table cell.
func shortError(err error) string {
	if err == nil {
		return ""
	}
	msg, _, _ := strings.Cut(err.Error(), "\n")
	if len(msg) > maxErrorWidth {
		msg = msg[:maxErrorWidth-3] + "..."
	}
	return msg
}

type jsonReport struct {
	RunID            string     `json:"run_id"`
	State            string     `json:"state"`
	History          []string   `json:"history"`
	DryRun           bool       `json:"dry_run"`
	Degraded         bool       `json:"degraded"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          time.Time  `json:"end_time"`
	Duration         string     `json:"duration"`
	CredentialSource string     `json:"credential_source,omitempty"`
	Roles            []jsonRole `json:"roles"`
	Overlay          *jsonHost  `json:"overlay,omitempty"`
	Error            string     `json:"error,omitempty"`
}

type jsonRole struct {
	Role     string     `json:"role"`
	Status   string     `json:"status"`
	Duration string     `json:"duration"`
	Hosts    []jsonHost `json:"hosts"`
}

type jsonHost struct {
	Host       string     `json:"host"`
	Address    string     `json:"address"`
	Role       string     `json:"role"`
	Status     string     `json:"status"`
	Duration   string     `json:"duration"`
	FailedStep string     `json:"failed_step,omitempty"`
	Error      string     `json:"error,omitempty"`
	Steps      []jsonStep `json:"steps"`
}

type jsonStep struct {
	Step     string `json:"step"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RenderJSON writes the report as indented JSON. Produced values such as the
// join credential are never included.
func RenderJSON(w io.Writer, r *bootstrap.Report) error {
	out := jsonReport{
		RunID:            r.RunID,
		State:            r.State.String(),
		History:          make([]string, len(r.History)),
		DryRun:           r.DryRun,
		Degraded:         r.Degraded(),
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		Duration:         r.Duration().String(),
		CredentialSource: r.CredentialSource.String(),
		Roles:            []jsonRole{},
	}
	for i, s := range r.History {
		out.History[i] = s.String()
	}
	for _, rr := range r.Roles() {
		jr := jsonRole{
			Role:     rr.Role.String(),
			Status:   string(rr.Status),
			Duration: rr.Duration().String(),
			Hosts:    make([]jsonHost, len(rr.Hosts)),
		}
		for i, hr := range rr.Hosts {
			jr.Hosts[i] = toJSONHost(hr)
		}
		out.Roles = append(out.Roles, jr)
	}
	if r.Overlay != nil {
		h := toJSONHost(r.Overlay)
		out.Overlay = &h
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func toJSONHost(hr *execution.HostResult) jsonHost {
	h := jsonHost{
		Host:       hr.Host.ID().String(),
		Address:    hr.Host.Address(),
		Role:       hr.Host.Role().String(),
		Status:     string(hr.Status),
		Duration:   hr.Duration().String(),
		FailedStep: hr.FailedStep,
		Steps:      make([]jsonStep, len(hr.Steps)),
	}
	if hr.Err != nil {
		h.Error = hr.Err.Error()
	}
	for i, o := range hr.Steps {
		s := jsonStep{
			Step:     o.StepID,
			Status:   string(o.Status),
			Attempts: o.Attempts,
			Reason:   o.Reason,
			Error:    o.ErrorMessage(),
		}
		if o.Duration > 0 {
			s.Duration = o.Duration.String()
		}
		h.Steps[i] = s
	}
	return h
}

// RenderRecords writes stored convergence records as a table.
func RenderRecords(w io.Writer, records []convergence.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No convergence records.")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Host", "Step", "Status", "Updated", "Last Error"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, rec := range records {
		updated := ""
		if !rec.Timestamp.IsZero() {
			updated = rec.Timestamp.Local().Format(time.RFC3339)
		}
		table.Append([]string{rec.Host, rec.StepID, string(rec.Status), updated, rec.LastError})
	}
	table.Render()
	return nil
}

// RenderRecordsJSON writes stored convergence records in their persisted form.
func RenderRecordsJSON(w io.Writer, records []convergence.Record) error {
	dtos := make([]convergence.RecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = convergence.ToDTO(rec)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(dtos)
}
