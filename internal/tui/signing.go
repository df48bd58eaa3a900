package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"dealflow/internal/domain"
	"dealflow/internal/signature"
)

// FinishFunc renders, uploads and persists a completed flow.
type FinishFunc func(ctx context.Context, f *signature.Flow) (domain.Deal, error)

type phase int

const (
	phaseCrewLead phase = iota
	phaseWalkthrough
	phaseReview
	phaseCapture
	phaseFinishing
	phaseFailed
	phaseDone
	phaseCanceled
)

type finishedMsg struct {
	deal domain.Deal
	err  error
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// Signing is a terminal signing session. Signatures are typed; each slot is one line of text.
type Signing struct {
	ctx    context.Context
	flow   *signature.Flow
	finish FinishFunc
	input  textinput.Model
	phase  phase
	walk   int
	err    error
	deal   domain.Deal
	width  int
}

// NewSigning builds the model. Completion flows collect crew lead and walkthrough first.
func NewSigning(ctx context.Context, flow *signature.Flow, finish FinishFunc) *Signing {
	in := textinput.New()
	in.CharLimit = 80
	in.Width = 40
	in.Focus()
	m := &Signing{ctx: ctx, flow: flow, finish: finish, input: in, phase: phaseReview}
	if flow.Kind == signature.FlowCompletion {
		m.phase = phaseCrewLead
		m.input.Placeholder = "Crew lead name"
		m.input.SetValue(flow.CrewLead)
		for i, w := range signature.Walkthroughs {
			if w == flow.Walkthrough {
				m.walk = i
			}
		}
	}
	return m
}

func (m *Signing) Init() tea.Cmd {
	return textinput.Blink
}

// Deal returns the updated deal once the session finished.
func (m *Signing) Deal() (domain.Deal, bool) {
	return m.deal, m.phase == phaseDone
}

func (m *Signing) Canceled() bool { return m.phase == phaseCanceled }

func (m *Signing) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case finishedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.phase = phaseFailed
			return m, nil
		}
		m.err = nil
		m.deal = msg.deal
		m.phase = phaseDone
		return m, tea.Quit
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			if m.phase == phaseFinishing {
				// The upload is already in flight; it completes regardless.
				return m, nil
			}
			if m.phase != phaseDone {
				m.flow.Cancel()
				m.phase = phaseCanceled
			}
			return m, tea.Quit
		case "enter":
			return m.submit()
		case "left", "h":
			if m.phase == phaseWalkthrough {
				m.walk = max(0, m.walk-1)
				return m, nil
			}
		case "right", "l":
			if m.phase == phaseWalkthrough {
				m.walk = min(len(signature.Walkthroughs)-1, m.walk+1)
				return m, nil
			}
		}
	}
	if m.phase == phaseCrewLead || m.phase == phaseCapture {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Signing) submit() (tea.Model, tea.Cmd) {
	m.err = nil
	switch m.phase {
	case phaseCrewLead:
		m.flow.CrewLead = strings.TrimSpace(m.input.Value())
		m.phase = phaseWalkthrough
	case phaseWalkthrough:
		m.flow.Walkthrough = signature.Walkthroughs[m.walk]
		m.phase = phaseReview
	case phaseReview:
		if err := m.flow.Begin(); err != nil {
			m.err = err
			if errors.Is(err, signature.ErrPrerequisites) && m.flow.Kind == signature.FlowCompletion {
				m.phase = phaseCrewLead
			}
			return m, nil
		}
		m.openSlot()
	case phaseCapture:
		err := m.flow.Capture(signature.Artifact{Kind: signature.Typed, Text: strings.TrimSpace(m.input.Value())})
		if err != nil {
			m.err = err
			return m, nil
		}
		if m.flow.Done() {
			m.phase = phaseFinishing
			return m, m.finishCmd()
		}
		m.openSlot()
	case phaseFailed:
		m.phase = phaseFinishing
		return m, m.finishCmd()
	}
	return m, nil
}

func (m *Signing) openSlot() {
	m.phase = phaseCapture
	m.input.Reset()
	if slot, ok := m.flow.Current(); ok {
		m.input.Placeholder = slot.Label
	}
}

func (m *Signing) finishCmd() tea.Cmd {
	ctx, flow, finish := m.ctx, m.flow, m.finish
	return func() tea.Msg {
		d, err := finish(ctx, flow)
		return finishedMsg{deal: d, err: err}
	}
}

func (m *Signing) View() string {
	var b strings.Builder
	title := "Insurance agreement"
	if m.flow.Kind == signature.FlowCompletion {
		title = "Completion form"
	}
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s · %s", title, dealLabel(m.flow.Deal))))
	b.WriteString("\n\n")
	switch m.phase {
	case phaseCrewLead:
		b.WriteString("Crew lead\n")
		b.WriteString(m.input.View())
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render("Enter → continue    Esc → cancel"))
	case phaseWalkthrough:
		b.WriteString("Walkthrough\n")
		var opts []string
		for i, w := range signature.Walkthroughs {
			if i == m.walk {
				opts = append(opts, okStyle.Render("["+w+"]"))
			} else {
				opts = append(opts, " "+w+" ")
			}
		}
		b.WriteString(strings.Join(opts, "  "))
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render("←/→ choose    Enter → continue    Esc → cancel"))
	case phaseReview:
		b.WriteString(m.reviewView())
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render("Enter → begin signing    Esc → cancel"))
	case phaseCapture:
		slot, _ := m.flow.Current()
		b.WriteString(fmt.Sprintf("Step %d of %d · %s (%s)\n", m.flow.State(), len(m.flow.Slots()), slot.Label, slot.Signer))
		b.WriteString(m.input.View())
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render("Type to sign    Enter → next    Esc → discard session"))
	case phaseFinishing:
		b.WriteString("Uploading signed documents...")
	case phaseFailed:
		b.WriteString(mutedStyle.Render("Nothing was saved. Enter → retry    Esc → discard session"))
	case phaseDone:
		b.WriteString(okStyle.Render(fmt.Sprintf("Signed. Deal is now %s.", m.deal.Status)))
	case phaseCanceled:
		b.WriteString(mutedStyle.Render("Signing canceled. Nothing was saved."))
	}
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errStyle.Render("⚠ " + m.err.Error()))
	}
	width := m.width - 4
	if width < 40 {
		width = 40
	}
	return boxStyle.Width(width).Render(b.String())
}

func (m *Signing) reviewView() string {
	d := m.flow.Deal
	lines := []string{
		"Homeowner: " + orDash(domain.Value(d.HomeownerName)),
		"Address:   " + orDash(domain.Value(d.Address)),
		"Rep:       " + orDash(m.flow.RepName),
	}
	if m.flow.Kind == signature.FlowCompletion {
		lines = append(lines, "Crew lead: "+orDash(m.flow.CrewLead), "Walkthrough: "+orDash(m.flow.Walkthrough))
	}
	lines = append(lines, "", "Signatures:")
	for i, s := range m.flow.Slots() {
		lines = append(lines, fmt.Sprintf("  %d. %s (%s)", i+1, s.Label, s.Signer))
	}
	return strings.Join(lines, "\n")
}

func dealLabel(d domain.Deal) string {
	if name := domain.Value(d.HomeownerName); name != "" {
		return name
	}
	return d.ID
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
