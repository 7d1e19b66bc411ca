package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/brensch/breadrl/orchestrator"
	tea "github.com/charmbracelet/bubbletea"
)

const recentReports = 10

type model struct {
	agents     int
	startTime  time.Time
	steps      int
	trainSteps int
	meanScore  float64
	lastSave   time.Time
	view       string
	recent     []string
	finished   bool
	updates    <-chan orchestrator.Event
}

func initialModel(updates <-chan orchestrator.Event, agents int) model {
	return model{
		agents:    agents,
		startTime: time.Now(),
		updates:   updates,
	}
}

type TickMsg time.Time

type runFinishedMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func waitForEvent(updates <-chan orchestrator.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-updates
		if !ok {
			return runFinishedMsg{}
		}
		return ev
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.updates), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case TickMsg:
		return m, tickCmd()
	case runFinishedMsg:
		m.finished = true
		return m, tea.Quit
	case orchestrator.Event:
		m.steps = msg.Step
		m.meanScore = msg.MeanScore
		if msg.View != "" {
			m.view = msg.View
		}
		if msg.Saved {
			m.lastSave = time.Now()
		}
		if r := msg.Report; r != nil {
			m.trainSteps = r.Step
			line := fmt.Sprintf("train %d: loss %.4f  q %.3f  predicted %.3f  reward %.3f",
				r.Step, r.Loss, r.MeanTarget, r.MeanPredicted, r.MeanReward)
			m.recent = append([]string{line}, m.recent...)
			if len(m.recent) > recentReports {
				m.recent = m.recent[:recentReports]
			}
		}
		return m, waitForEvent(m.updates)
	}
	return m, nil
}

func (m model) View() string {
	duration := time.Since(m.startTime)
	stepsPerSec := 0.0
	if duration.Seconds() >= 1 {
		stepsPerSec = float64(m.steps) / duration.Seconds()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Agents:         %d\n", m.agents)
	fmt.Fprintf(&b, "Steps:          %d\n", m.steps)
	fmt.Fprintf(&b, "Train Steps:    %d\n", m.trainSteps)
	fmt.Fprintf(&b, "Mean Bread:     %.2f\n", m.meanScore)
	fmt.Fprintf(&b, "Duration:       %s\n", duration.Round(time.Second))
	fmt.Fprintf(&b, "Steps/Sec:      %.2f\n", stepsPerSec)
	if !m.lastSave.IsZero() {
		fmt.Fprintf(&b, "Last Save:      %s ago\n", time.Since(m.lastSave).Round(time.Second))
	}

	if m.view != "" {
		b.WriteString("\nAgent 0:\n")
		b.WriteString(m.view)
	}

	b.WriteString("\nRecent Training:\n")
	for _, line := range m.recent {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	b.WriteString("\nPress q to quit.\n")
	return b.String()
}
