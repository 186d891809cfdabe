package subcommands

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"SimpleLLM/internal/pipeline"
	"SimpleLLM/internal/runtime"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Styles define the UI theme
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D9FF")).
			Background(lipgloss.Color("#1a1a2e")).
			Padding(0, 2)

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			PaddingLeft(1)

	botStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4ECDC4")).
			PaddingLeft(1)

	toolStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#C3A6FF")).
			PaddingLeft(1)

	systemStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFE66D")).
			PaddingLeft(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true).
			PaddingLeft(2)

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true).
			PaddingLeft(2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3d3d5c"))

	inputBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#00D9FF"))

	suggestionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#00D9FF")).
			Padding(0, 1)

	normalSuggestionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666680")).
				Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4a4a6a")).
			PaddingLeft(1)

	streamingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4ECDC4")).
			Italic(true)
)

var placeholders = []string{
	"What's on your mind?",
	"Ask me what time it is...",
	"Paste a URL and ask about it",
	"Type /help to see available commands",
}

var availableCommands = []string{
	"/help", "/config", "/models", "/functions", "/new", "/clear",
	"/set", "/stop", "/exit", "/quit",
}

const (
	roleSystem = "System"
	roleUser   = "User"
	roleBot    = "Assistant"
	roleTool   = "Tool"
)

type message struct {
	role     string
	content  string
	duration time.Duration
}

type tuiModel struct {
	pipe     *pipeline.Pipeline
	settings RunSettings

	// conversation is what the provider sees; messages is what the user
	// sees, including local command output.
	conversation []runtime.Message

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	messages []message
	ready    bool
	loading  bool
	renderer *glamour.TermRenderer
	width    int
	height   int
	ctx      context.Context
	program  *tea.Program

	suggestions     []string
	suggestionIdx   int
	showSuggestions bool

	menuOpen bool
	menuIdx  int
}

var menuOptions = []string{
	"New Chat",
	"Clear Screen",
	"Toggle Streaming",
	"Stop Generation",
	"Exit SimpleLLM",
}

func initialModel(ctx context.Context, pipe *pipeline.Pipeline, settings RunSettings) tuiModel {
	ta := textarea.New()
	ta.Placeholder = placeholders[rand.Intn(len(placeholders))]
	ta.Focus()

	ta.Prompt = "┃ "
	ta.CharLimit = 10000

	ta.SetWidth(80)
	ta.SetHeight(5)

	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#4ECDC4"))

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return tuiModel{
		ctx:      ctx,
		pipe:     pipe,
		settings: settings,
		textarea: ta,
		spinner:  s,
		renderer: renderer,
	}
}

func (m tuiModel) Init() tea.Cmd {
	return textarea.Blink
}

type runResult struct {
	final runtime.Output
	got   bool
	err   error
	start time.Time
}

type streamPiece struct {
	piece string
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		taCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.menuOpen {
			switch msg.Type {
			case tea.KeyUp:
				m.menuIdx = (m.menuIdx - 1 + len(menuOptions)) % len(menuOptions)
				return m, nil
			case tea.KeyDown:
				m.menuIdx = (m.menuIdx + 1) % len(menuOptions)
				return m, nil
			case tea.KeyEnter:
				m.menuOpen = false
				return m, m.handleMenuSelection()
			case tea.KeyEsc, tea.KeyCtrlO:
				m.menuOpen = false
				return m, nil
			}
			return m, nil
		}

		if m.showSuggestions {
			switch msg.Type {
			case tea.KeyUp:
				m.suggestionIdx--
				if m.suggestionIdx < 0 {
					m.suggestionIdx = len(m.suggestions) - 1
				}
				return m, nil
			case tea.KeyDown:
				m.suggestionIdx++
				if m.suggestionIdx >= len(m.suggestions) {
					m.suggestionIdx = 0
				}
				return m, nil
			case tea.KeyEnter, tea.KeyTab:
				if len(m.suggestions) > 0 {
					m.textarea.SetValue(m.suggestions[m.suggestionIdx] + " ")
					m.textarea.CursorEnd()
					m.showSuggestions = false
					return m, nil
				}
			case tea.KeyEsc:
				m.showSuggestions = false
				return m, nil
			}
		}

		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.stop()
			return m, tea.Quit

		case tea.KeyCtrlO:
			m.menuOpen = !m.menuOpen
			m.menuIdx = 0
			return m, nil

		case tea.KeyCtrlX:
			m.stop()
			return m, nil

		case tea.KeyCtrlS:
			if m.loading {
				return m, nil
			}

			userMsg := m.textarea.Value()
			if strings.TrimSpace(userMsg) == "" {
				return m, nil
			}

			low := strings.ToLower(strings.TrimSpace(userMsg))
			if handled, cmd := m.handleLocalCommand(low, strings.TrimSpace(userMsg)); handled {
				m.textarea.Reset()
				return m, cmd
			}

			if m.settings.Model == "" {
				m.system("Pick a model first: /models, then /set model <name>")
				return m, nil
			}

			m.messages = append(m.messages, message{role: roleUser, content: userMsg})
			m.conversation = append(m.conversation, runtime.Message{Role: runtime.RoleUser, Content: userMsg})
			m.textarea.Reset()
			m.loading = true

			// Filled by the stream, or by the final output.
			m.messages = append(m.messages, message{role: roleBot})
			m.updateViewport()

			return m, tea.Batch(
				m.spinner.Tick,
				m.runProvider(),
			)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 2
		inputHeight := 5
		verticalMarginHeight := headerHeight + inputHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-verticalMarginHeight-4)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - verticalMarginHeight - 4
		}

		m.textarea.SetWidth(msg.Width - 6)

		r, _ := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(m.viewport.Width-4),
		)
		m.renderer = r
		m.updateViewport()

	case streamPiece:
		m.replySlot().content += msg.piece
		m.updateViewport()
		return m, nil

	case runResult:
		m.loading = false
		last := m.replySlot()
		switch {
		case msg.err != nil:
			if last.content == "" {
				last.content = "Error: " + describeError(msg.err)
			} else {
				m.messages = append(m.messages, message{role: roleSystem, content: "Error: " + describeError(msg.err)})
			}
			// The failed turn is dropped so the next prompt starts clean.
			if n := len(m.conversation); n > 0 && m.conversation[n-1].Role == runtime.RoleUser {
				m.conversation = m.conversation[:n-1]
			}
		case msg.got:
			reply := msg.final.Message
			if reply.Role == runtime.RoleTool {
				last.role = roleTool
				last.content = reply.Content
			} else if reply.Content != "" {
				last.content = reply.Content
			} else {
				reply.Content = last.content
			}
			last.duration = time.Since(msg.start)
			m.conversation = append(m.conversation, reply)
		default:
			last.duration = time.Since(msg.start)
			m.conversation = append(m.conversation, runtime.Message{Role: runtime.RoleAssistant, Content: last.content})
		}
		m.updateViewport()
		return m, nil

	case spinner.TickMsg:
		m.spinner, spCmd = m.spinner.Update(msg)
		return m, spCmd
	}

	m.textarea, taCmd = m.textarea.Update(msg)

	val := m.textarea.Value()
	if strings.HasPrefix(val, "/") {
		m.suggestions = m.suggestions[:0]
		for _, cmd := range availableCommands {
			if strings.HasPrefix(cmd, val) {
				m.suggestions = append(m.suggestions, cmd)
			}
		}
		m.showSuggestions = len(m.suggestions) > 0
		if m.suggestionIdx >= len(m.suggestions) {
			m.suggestionIdx = 0
		}
	} else {
		m.showSuggestions = false
	}

	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(taCmd, vpCmd)
}

// replySlot returns the message receiving the current reply, adding one if
// the screen was cleared mid-run.
func (m *tuiModel) replySlot() *message {
	if n := len(m.messages); n == 0 || m.messages[n-1].role != roleBot {
		m.messages = append(m.messages, message{role: roleBot})
	}
	return &m.messages[len(m.messages)-1]
}

func (m *tuiModel) provider() (runtime.Provider, error) {
	return m.pipe.Manager.Provider(m.settings.Provider)
}

func (m *tuiModel) stop() {
	if !m.loading {
		return
	}
	if p, err := m.provider(); err == nil {
		_ = p.Stop()
	}
}

func (m *tuiModel) system(content string) {
	m.messages = append(m.messages, message{role: roleSystem, content: content})
	m.updateViewport()
}

func (m *tuiModel) newChat() {
	m.messages = nil
	m.conversation = nil
	m.settings.ChatID = ""
	if m.pipe.History != nil {
		chat, err := m.pipe.History.CreateChat(m.ctx, "", m.settings.Model)
		if err != nil {
			m.system("Error: " + err.Error())
			return
		}
		m.settings.ChatID = chat.ID
	}
	m.viewport.SetContent("")
	m.system("Started a new chat.")
}

func (m *tuiModel) handleMenuSelection() tea.Cmd {
	switch m.menuIdx {
	case 0:
		m.newChat()
	case 1:
		m.messages = nil
		m.viewport.SetContent("")
	case 2:
		m.settings.Stream = !m.settings.Stream
		m.system(fmt.Sprintf("Streaming: %v", m.settings.Stream))
	case 3:
		m.stop()
	case 4:
		m.stop()
		return tea.Quit
	}
	m.updateViewport()
	return nil
}

func (m *tuiModel) handleLocalCommand(low, raw string) (bool, tea.Cmd) {
	if !strings.HasPrefix(low, "/") {
		if low == "exit" || low == "quit" {
			return true, tea.Quit
		}
		return false, nil
	}

	switch {
	case low == "/clear":
		m.messages = nil
		m.viewport.SetContent("")
		return true, nil

	case low == "/new":
		m.newChat()
		return true, nil

	case low == "/help":
		m.system(`
### Available Commands
- **/help**: Show this help message
- **/config**: Show the session settings
- **/models**: List the provider's models
- **/functions**: List the functions a model may call
- **/new**: Start a new recorded chat
- **/clear**: Clear the screen
- **/set <param> <value>**: provider, model, system, stream, functions, num_ctx, num_gpu
- **/stop**: Stop the running generation (also Ctrl+X)
- **/exit**: Close the application
`)
		return true, nil

	case low == "/config":
		s := m.settings
		m.system(fmt.Sprintf(`
### Session Configuration
- **Provider**: %s
- **Model**: %s
- **Streaming**: %v
- **Functions**: %s
- **Context window**: %d
- **GPU layers**: %d
- **Chat**: %s
`, orDefault(s.Provider, m.pipe.Manager.Default()), orDefault(s.Model, "(none)"), s.Stream,
			orDefault(strings.Join(s.Functions, ", "), "(defaults)"), s.NumCtx, s.NumGPU, orDefault(s.ChatID, "(not recorded)")))
		return true, nil

	case low == "/models":
		p, err := m.provider()
		if err != nil {
			m.system("Error: " + err.Error())
			return true, nil
		}
		models, err := p.InstalledModels(m.ctx)
		if err != nil {
			m.system("Error: " + err.Error())
			return true, nil
		}
		if len(models) == 0 {
			m.system("No models installed. Pull one with `simplellm models pull`.")
			return true, nil
		}
		m.system("Models:\n- " + strings.Join(models, "\n- "))
		return true, nil

	case low == "/functions":
		var sb strings.Builder
		sb.WriteString("Functions:\n")
		for _, def := range m.pipe.Functions.Definitions() {
			sb.WriteString(fmt.Sprintf("- **%s**: %s\n", def.Name, def.Description))
		}
		m.system(sb.String())
		return true, nil

	case low == "/stop":
		m.stop()
		return true, nil

	case strings.HasPrefix(low, "/set "):
		parts := strings.SplitN(strings.TrimSpace(raw[5:]), " ", 2)
		if len(parts) < 2 {
			m.system("Usage: /set <param> <value>")
			return true, nil
		}
		param, value := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if err := m.settings.Set(param, value); err != nil {
			m.system("Error: " + err.Error())
			return true, nil
		}
		m.system(fmt.Sprintf("Parameter '%s' updated to '%s'", param, value))
		return true, nil

	case low == "/exit" || low == "/quit":
		return true, tea.Quit
	}

	return false, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (m *tuiModel) updateViewport() {
	var sb strings.Builder

	for i, msg := range m.messages {
		switch msg.role {
		case roleSystem:
			sb.WriteString(systemStyle.Render("SYSTEM") + "\n")
			r, err := m.renderer.Render(msg.content)
			if err != nil {
				r = msg.content + "\n"
			}
			sb.WriteString(r + "\n")

		case roleUser:
			sb.WriteString(userStyle.Render("YOU") + "\n")
			sb.WriteString(msg.content + "\n\n")

		case roleTool:
			sb.WriteString(toolStyle.Render("TOOL") + "\n")
			sb.WriteString(msg.content + "\n\n")

		case roleBot:
			sb.WriteString(botStyle.Render("ASSISTANT") + "\n")
			rendered := msg.content
			if msg.content != "" && !(m.loading && i == len(m.messages)-1) {
				if r, err := m.renderer.Render(msg.content); err == nil {
					rendered = r
				}
			}
			sb.WriteString(rendered)
			if i == len(m.messages)-1 && !m.loading && msg.duration > 0 {
				sb.WriteString("\n" + statsStyle.Render(msg.duration.Truncate(time.Millisecond).String()) + "\n")
			}
			sb.WriteString("\n")
		}
	}

	if m.loading {
		sb.WriteString("\n" + m.spinner.View() + streamingStyle.Render(" Generating... (Ctrl+X to stop)"))
	}

	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m tuiModel) runProvider() tea.Cmd {
	req := m.settings.Request(append([]runtime.Message(nil), m.conversation...))
	program := m.program
	return func() tea.Msg {
		start := time.Now()
		p, err := m.provider()
		if err != nil {
			return runResult{err: err, start: start}
		}

		var res runResult
		res.start = start
		res.err = p.Run(m.ctx, req, func(o runtime.Output) error {
			if !o.Done {
				if program != nil {
					program.Send(streamPiece{piece: o.Message.Content})
				}
				return nil
			}
			res.final, res.got = o, true
			return nil
		})
		return res
	}
}

func (m tuiModel) View() string {
	if !m.ready {
		return "\n  Initializing SimpleLLM..."
	}

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		titleStyle.Render(" SimpleLLM "),
		subtitleStyle.Render(fmt.Sprintf("%s · %s", orDefault(m.settings.Provider, m.pipe.Manager.Default()), orDefault(m.settings.Model, "no model"))),
	)

	viewport := borderStyle.Render(m.viewport.View())

	inputArea := m.textarea.View()
	if m.showSuggestions && len(m.suggestions) > 0 {
		var suggBuilder strings.Builder
		for i, s := range m.suggestions {
			if i == m.suggestionIdx {
				suggBuilder.WriteString(suggestionStyle.Render(s) + "\n")
			} else {
				suggBuilder.WriteString(normalSuggestionStyle.Render(s) + "\n")
			}
		}
		inputArea = lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#00D9FF")).
				Padding(0, 1).
				Render(suggBuilder.String()),
			inputArea,
		)
	}

	input := inputBorderStyle.Render(inputArea)

	mainView := fmt.Sprintf("%s\n%s\n%s", header, viewport, input)

	if m.menuOpen {
		var menuBuilder strings.Builder
		menuBuilder.WriteString(lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00D9FF")).Render("OPTIONS") + "\n\n")
		for i, opt := range menuOptions {
			if i == m.menuIdx {
				menuBuilder.WriteString(lipgloss.NewStyle().
					Background(lipgloss.Color("#00D9FF")).
					Foreground(lipgloss.Color("#1a1a2e")).
					Bold(true).
					Padding(0, 1).
					Render("> "+opt) + "\n")
			} else {
				menuBuilder.WriteString(lipgloss.NewStyle().
					Foreground(lipgloss.Color("#a0a0b0")).
					Padding(0, 1).
					Render("  "+opt) + "\n")
			}
		}

		menuPopup := lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("#00D9FF")).
			Padding(1, 2).
			Render(menuBuilder.String())

		mainView = lipgloss.Place(m.width, m.height,
			lipgloss.Center, lipgloss.Center,
			menuPopup,
			lipgloss.WithWhitespaceChars(" "),
			lipgloss.WithWhitespaceForeground(lipgloss.Color("#0a0a14")),
		)
	}

	streamStatus := "off"
	if m.settings.Stream {
		streamStatus = "on"
	}
	help := helpStyle.Render(fmt.Sprintf("Ctrl+S Send | Ctrl+X Stop | Ctrl+O Menu | /help Commands | Stream: %s", streamStatus))

	return mainView + "\n" + help
}

// RunTui executes the Charm TUI mode.
func RunTui(ctx context.Context, pipe *pipeline.Pipeline, args []string) int {
	fs := newFlagSet("tui")
	var (
		settings  RunSettings
		functions string
	)
	settings.bind(fs, &functions)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	settings.Functions = splitList(functions)

	m := initialModel(ctx, pipe, settings)
	if settings.ChatID != "" && pipe.History != nil {
		if err := m.resume(settings.ChatID); err != nil {
			fmt.Printf("failed to load chat %s: %v\n", settings.ChatID, err)
			return 1
		}
	}

	p := tea.NewProgram(
		&m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	m.program = p

	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		return 1
	}
	return 0
}

// resume loads a stored chat into the conversation.
func (m *tuiModel) resume(id string) error {
	chat, err := m.pipe.History.Chat(m.ctx, id)
	if err != nil {
		return err
	}
	entries, err := m.pipe.History.Messages(m.ctx, id)
	if err != nil {
		return err
	}
	if m.settings.Model == "" {
		m.settings.Model = chat.Model
	}
	for _, e := range entries {
		m.conversation = append(m.conversation, e.Message)
		role := roleBot
		switch e.Role {
		case runtime.RoleUser:
			role = roleUser
		case runtime.RoleTool:
			role = roleTool
		}
		m.messages = append(m.messages, message{role: role, content: e.Content})
	}
	return nil
}
