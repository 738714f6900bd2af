package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ragpipe/internal/retrieval"
)

// Searcher is the TUI-facing subset of the retrieval pipeline.
type Searcher interface {
	Search(ctx context.Context, query string, opts ...retrieval.SearchOption) (retrieval.Response, error)
}

type searchDoneMsg struct {
	resp retrieval.Response
	err  error
}

// Model is the Bubble Tea model for the result browser.
type Model struct {
	searcher Searcher
	opts     []retrieval.SearchOption
	timeout  time.Duration
	input    textinput.Model
	viewport viewport.Model
	resp     retrieval.Response
	summary  string
	status   string
	cursor   int
	ready    bool
	busy     bool
}

// New creates a browser. initial, when its Query is set, is shown before
// the first search. opts apply to every query.
func New(searcher Searcher, summary string, initial retrieval.Response, opts ...retrieval.SearchOption) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Type query and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	m := Model{searcher: searcher, opts: opts, timeout: 2 * time.Minute, input: ti, viewport: vp, summary: summary, status: "Type to search."}
	if initial.Query != "" {
		m.resp = initial
		m.status = statusLine(initial)
		m.input.SetValue(initial.Query)
	}
	return m
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) search(q string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		resp, err := m.searcher.Search(ctx, q, m.opts...)
		return searchDoneMsg{resp: resp, err: err}
	}
}

// Update handles key, window and search completion events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		totalHeaderLines := 2 // header + summary
		totalFooterLines := 1 // status
		reserved := totalHeaderLines + totalFooterLines + qh + 1
		vh := msg.Height - reserved
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderCurrentResult())
		return m, nil
	case searchDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.resp = retrieval.Response{}
		} else {
			m.resp = msg.resp
			m.cursor = 0
			m.status = statusLine(msg.resp)
		}
		m.viewport.SetContent(m.renderCurrentResult())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q != "" && !m.busy {
				m.busy = true
				m.status = fmt.Sprintf("Searching for %q...", q)
				return m, m.search(q)
			}
		case "down":
			if n := len(m.resp.Results); n > 0 {
				m.cursor = (m.cursor + 1) % n
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		case "up":
			if n := len(m.resp.Results); n > 0 {
				m.cursor = (m.cursor - 1 + n) % n
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the layout and the current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("ragpipe search")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	st := statusStyle
	if m.resp.Status == retrieval.StatusDegraded {
		st = degradedStyle
	}
	status := st.Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func statusLine(r retrieval.Response) string {
	switch r.Status {
	case retrieval.StatusNoResults:
		return fmt.Sprintf("No results for %q", r.Query)
	case retrieval.StatusDegraded:
		return fmt.Sprintf("%d results for %q (reranker unavailable, vector order)", len(r.Results), r.Query)
	}
	return fmt.Sprintf("%d results for %q from %d candidates", len(r.Results), r.Query, r.Candidates)
}

func (m Model) renderCurrentResult() string {
	if len(m.resp.Results) == 0 {
		return "No results yet."
	}
	r := m.resp.Results[m.cursor]
	title := fmt.Sprintf("Result %d/%d  %s", m.cursor+1, len(m.resp.Results), r.SourceFilename)
	if r.Page > 0 {
		title += fmt.Sprintf(" p.%d", r.Page)
	}
	scores := fmt.Sprintf("vector=%.3f", r.VectorScore)
	if r.RerankScore != nil {
		scores += fmt.Sprintf("  rerank=%.3f", *r.RerankScore)
	}
	body := highlightBestSentence(r.Text, m.resp.Query)
	return title + "\n" + scoreStyle.Render(scores) + "\n\n" + body
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	scoreStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	degradedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	unicodeWordRe  = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`)
	sentenceRe     = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)
)

func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		score := tokenOverlapScore(qTokens, s)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	for i := range sentences {
		sent := strings.TrimSpace(sentences[i])
		if i == bestIdx {
			sentences[i] = highlightStyle.Render(sent)
		} else {
			sentences[i] = sent
		}
	}
	return strings.Join(sentences, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	tokens := unicodeWordRe.FindAllString(strings.ToLower(sentence), -1)
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
