package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"

	"github.com/railbird-gg/cardroom/internal/handevent"
	"github.com/railbird-gg/cardroom/internal/protocol"
	"github.com/railbird-gg/cardroom/internal/rpc"
	"github.com/railbird-gg/cardroom/poker"
)

const rpcTimeout = 5 * time.Second

// frameMsg carries one decoded server frame into the update loop.
type frameMsg struct{ frame any }

// connClosedMsg fires when the socket read loop exits.
type connClosedMsg struct{}

// Model is the debug client. The gateway socket feeds the event log;
// table lifecycle goes straight to the game service RPC.
type Model struct {
	conn   *Conn
	game   rpc.GameService
	userID string
	logger *log.Logger

	logView viewport.Model
	input   textinput.Model

	lines   []string
	tables  []rpc.TableInfo
	tableID string
	handID  string
	snap    *rpc.TableSnapshot

	width       int
	height      int
	initialized bool
	quitting    bool
}

// NewModel builds the client model. conn may carry a nil socket in
// tests as long as nothing sends.
func NewModel(conn *Conn, game rpc.GameService, userID string, logger *log.Logger) Model {
	input := textinput.New()
	input.Placeholder = "chat, or /help for commands"
	input.Focus()
	input.CharLimit = 200
	input.Prompt = "> "
	input.PromptStyle = turnStyle
	return Model{
		conn:    conn,
		game:    game,
		userID:  userID,
		logger:  logger,
		logView: viewport.New(80, 20),
		input:   input,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.nextFrame())
}

func (m Model) nextFrame() tea.Cmd {
	return func() tea.Msg {
		frame, ok := <-m.conn.Frames
		if !ok {
			return connClosedMsg{}
		}
		return frameMsg{frame: frame}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logView.Width = msg.Width
		m.logView.Height = max(3, msg.Height-8)
		m.initialized = true
		m.refreshLog()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line != "" {
				m = m.handleInput(line)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case frameMsg:
		m = m.handleFrame(msg.frame)
		return m, m.nextFrame()

	case connClosedMsg:
		m = m.appendLine(errorStyle.Render("connection closed"))
		m.quitting = true
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleInput parses a line of user input: slash commands or chat.
func (m Model) handleInput(line string) Model {
	if !strings.HasPrefix(line, "/") {
		if m.tableID == "" {
			return m.appendLine(errorStyle.Render("join or watch a table before chatting"))
		}
		if err := m.conn.Chat(m.tableID, line); err != nil {
			return m.appendLine(errorStyle.Render("chat: " + err.Error()))
		}
		return m
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/help":
		return m.appendLine(infoStyle.Render(
			"/tables  /create <sb> <bb> [max]  /join <table> [buyin]  /watch <table>  " +
				"/leave  /sitout  /sitin  /fold  /check  /call  /bet <n>  /raise <n>  /allin  /mute <user>  /unmute <user>"))

	case "/tables":
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		tables, err := m.game.ListTables(ctx)
		if err != nil {
			return m.appendLine(errorStyle.Render("tables: " + err.Error()))
		}
		m.tables = tables
		return m.appendTableList()

	case "/create":
		if len(args) < 2 {
			return m.appendLine(errorStyle.Render("usage: /create <sb> <bb> [max]"))
		}
		sb, _ := strconv.Atoi(args[0])
		bb, _ := strconv.Atoi(args[1])
		maxPlayers := 6
		if len(args) > 2 {
			maxPlayers, _ = strconv.Atoi(args[2])
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		info, err := m.game.CreateTable(ctx, rpc.CreateTableRequest{
			UserID:     m.userID,
			SmallBlind: sb,
			BigBlind:   bb,
			MaxPlayers: maxPlayers,
		})
		if err != nil {
			return m.appendLine(errorStyle.Render("create: " + err.Error()))
		}
		return m.appendLine(tableStyle.Render("created table " + info.TableID))

	case "/join":
		if len(args) < 1 {
			return m.appendLine(errorStyle.Render("usage: /join <table> [buyin]"))
		}
		buyIn := 0
		if len(args) > 1 {
			buyIn, _ = strconv.Atoi(args[1])
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		seat, err := m.game.JoinTable(ctx, args[0], m.userID, buyIn)
		if err != nil {
			return m.appendLine(errorStyle.Render("join: " + err.Error()))
		}
		m = m.appendLine(tableStyle.Render(fmt.Sprintf("seated at %s, seat %d", args[0], seat)))
		return m.attach(args[0])

	case "/watch":
		if len(args) < 1 {
			return m.appendLine(errorStyle.Render("usage: /watch <table>"))
		}
		return m.attach(args[0])

	case "/leave":
		if m.tableID == "" {
			return m.appendLine(errorStyle.Render("not at a table"))
		}
		_ = m.conn.Unsubscribe("table", m.tableID)
		_ = m.conn.Unsubscribe("chat", m.tableID)
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		if err := m.game.LeaveTable(ctx, m.tableID, m.userID); err != nil {
			m = m.appendLine(errorStyle.Render("leave: " + err.Error()))
		} else {
			m = m.appendLine(infoStyle.Render("left " + m.tableID))
		}
		m.tableID = ""
		m.handID = ""
		m.snap = nil
		return m

	case "/sitout", "/sitin":
		if m.tableID == "" {
			return m.appendLine(errorStyle.Render("not at a table"))
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		var err error
		if cmd == "/sitout" {
			err = m.game.SitOut(ctx, m.tableID, m.userID)
		} else {
			err = m.game.SitIn(ctx, m.tableID, m.userID)
		}
		if err != nil {
			return m.appendLine(errorStyle.Render(cmd[1:] + ": " + err.Error()))
		}
		return m.appendLine(infoStyle.Render(cmd[1:]))

	case "/fold", "/check", "/call", "/allin":
		return m.submit(handevent.Action(cmd[1:]), 0)

	case "/bet", "/raise":
		if len(args) < 1 {
			return m.appendLine(errorStyle.Render("usage: " + cmd + " <amount>"))
		}
		amount, err := strconv.Atoi(args[0])
		if err != nil || amount <= 0 {
			return m.appendLine(errorStyle.Render("bad amount: " + args[0]))
		}
		return m.submit(handevent.Action(cmd[1:]), amount)

	case "/mute", "/unmute":
		if m.tableID == "" || len(args) < 1 {
			return m.appendLine(errorStyle.Render("usage: " + cmd + " <user>"))
		}
		// The gateway treats these as chat commands.
		if err := m.conn.Chat(m.tableID, cmd+" "+args[0]); err != nil {
			return m.appendLine(errorStyle.Render(err.Error()))
		}
		return m

	default:
		return m.appendLine(errorStyle.Render("unknown command " + cmd))
	}
}

// attach subscribes this session to a table's state and chat channels.
// The gateway answers with a redacted snapshot.
func (m Model) attach(tableID string) Model {
	m.tableID = tableID
	if err := m.conn.Subscribe("table", tableID); err != nil {
		return m.appendLine(errorStyle.Render("subscribe: " + err.Error()))
	}
	if err := m.conn.Subscribe("chat", tableID); err != nil {
		return m.appendLine(errorStyle.Render("subscribe: " + err.Error()))
	}
	return m
}

func (m Model) submit(action handevent.Action, amount int) Model {
	if m.tableID == "" || m.handID == "" {
		return m.appendLine(errorStyle.Render("no hand in progress"))
	}
	if err := m.conn.Send(&protocol.Action{
		Type:    protocol.TypeAction,
		TableID: m.tableID,
		HandID:  m.handID,
		Action:  action,
		Amount:  amount,
	}); err != nil {
		return m.appendLine(errorStyle.Render("action: " + err.Error()))
	}
	return m
}

// handleFrame folds one server frame into the model.
func (m Model) handleFrame(frame any) Model {
	switch f := frame.(type) {
	case *protocol.Welcome:
		return m.appendLine(infoStyle.Render("connected, session " + f.SessionID))

	case *protocol.Snapshot:
		var snap rpc.TableSnapshot
		if err := json.Unmarshal(f.State, &snap); err != nil {
			return m.appendLine(errorStyle.Render("snapshot: " + err.Error()))
		}
		m.snap = &snap
		if snap.Hand != nil {
			m.handID = snap.Hand.HandID
		} else {
			m.handID = ""
		}
		return m.appendLine(infoStyle.Render(fmt.Sprintf("snapshot of %s at v%d", f.TableID, f.Version)))

	case *protocol.TablePatch:
		var ev handevent.Event
		if err := json.Unmarshal(f.Patch, &ev); err != nil {
			return m.appendLine(errorStyle.Render("patch: " + err.Error()))
		}
		return m.applyEvent(ev)

	case *protocol.ChatMessage:
		name := f.Name
		if name == "" {
			name = f.From
		}
		return m.appendLine(chatStyle.Render(name+": ") + f.Text)

	case *protocol.Presence:
		return m.appendLine(infoStyle.Render(f.UserID + " is " + f.Status))

	case *protocol.LobbyUpdate:
		var tables []rpc.TableInfo
		if err := json.Unmarshal(f.Tables, &tables); err != nil {
			return m.appendLine(errorStyle.Render("lobby: " + err.Error()))
		}
		m.tables = tables
		return m.appendLine(infoStyle.Render(fmt.Sprintf("lobby: %d table(s)", len(tables))))

	case *protocol.Error:
		line := f.Code
		if f.Message != "" {
			line += ": " + f.Message
		}
		if f.RetryAfterMs > 0 {
			line += fmt.Sprintf(" (retry in %dms)", f.RetryAfterMs)
		}
		return m.appendLine(errorStyle.Render(line))

	case *protocol.Pong:
		return m
	}
	return m
}

// applyEvent narrates a hand event and keeps the handful of fields the
// table pane renders from in sync.
func (m Model) applyEvent(ev handevent.Event) Model {
	switch p := ev.Payload.(type) {
	case handevent.HandStarted:
		m.handID = ev.HandID
		mine := p.HoleCards[m.seat()]
		line := fmt.Sprintf("hand %s started, blinds %d/%d", ev.HandID, p.SmallBlind, p.BigBlind)
		if len(mine) == 2 {
			line += fmt.Sprintf(", your cards %s (%s)", cardString(mine), poker.CategorizeHoleCards(mine[0], mine[1]))
		} else if len(mine) > 0 {
			line += ", your cards " + cardString(mine)
		}
		return m.appendLine(turnStyle.Render(line))

	case handevent.ActionTaken:
		line := fmt.Sprintf("seat %d %s", p.Seat, p.Action)
		if p.Amount > 0 {
			line += fmt.Sprintf(" %d", p.Amount)
		}
		return m.appendLine(seatStyle.Render(line))

	case handevent.StreetAdvanced:
		if m.snap != nil && m.snap.Hand != nil {
			m.snap.Hand.Community = p.Community
		}
		return m.appendLine(tableStyle.Render(string(p.Street) + ": " + cardString(p.Community)))

	case handevent.PotAwarded:
		winners := make([]string, len(p.Winners))
		for i, w := range p.Winners {
			winners[i] = strconv.Itoa(w)
		}
		return m.appendLine(turnStyle.Render(
			fmt.Sprintf("pot %d (%d) to seat(s) %s", p.PotIndex, p.Amount, strings.Join(winners, ","))))

	case handevent.TurnTimeout:
		return m.appendLine(infoStyle.Render(fmt.Sprintf("seat %d timed out, %s applied", p.Seat, p.Applied)))

	case handevent.HandEnded:
		m.handID = ""
		if m.snap != nil && m.snap.Hand != nil {
			for i := range m.snap.Seats {
				if stack, ok := p.Stacks[m.snap.Seats[i].Seat]; ok {
					m.snap.Seats[i].Stack = stack
				}
			}
		}
		return m.appendLine(tableStyle.Render("hand over (" + p.Reason + ")"))
	}
	return m
}

// seat returns this user's seat in the current snapshot, or -1.
func (m Model) seat() int {
	if m.snap == nil {
		return -1
	}
	for _, s := range m.snap.Seats {
		if s.UserID == m.userID {
			return s.Seat
		}
	}
	return -1
}

func (m Model) appendTableList() Model {
	if len(m.tables) == 0 {
		return m.appendLine(infoStyle.Render("no tables"))
	}
	tables := make([]rpc.TableInfo, len(m.tables))
	copy(tables, m.tables)
	sort.Slice(tables, func(i, j int) bool { return tables[i].TableID < tables[j].TableID })
	for _, t := range tables {
		m = m.appendLine(seatStyle.Render(fmt.Sprintf(
			"%s  %d/%d  blinds %d/%d  active=%v",
			t.TableID, t.Seated, t.MaxPlayers, t.SmallBlind, t.BigBlind, t.HandActive)))
	}
	return m
}

func (m Model) appendLine(line string) Model {
	m.lines = append(m.lines, line)
	if len(m.lines) > 500 {
		m.lines = m.lines[len(m.lines)-500:]
	}
	m.refreshLog()
	return m
}

func (m *Model) refreshLog() {
	m.logView.SetContent(strings.Join(m.lines, "\n"))
	m.logView.GotoBottom()
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(" cardroom · "+m.userID+" ") + "\n")
	b.WriteString(m.tableView() + "\n")
	b.WriteString(m.logView.View() + "\n")
	b.WriteString(m.input.View())
	return b.String()
}

// tableView renders the seats and board of the attached table.
func (m Model) tableView() string {
	if m.snap == nil {
		return infoStyle.Render("no table attached")
	}
	var b strings.Builder
	info := m.snap.Info
	b.WriteString(tableStyle.Render(fmt.Sprintf("%s  blinds %d/%d", info.TableID, info.SmallBlind, info.BigBlind)))
	turnSeat := -1
	if m.snap.Hand != nil && m.snap.Hand.TurnSeat != nil {
		turnSeat = *m.snap.Hand.TurnSeat
	}
	for _, s := range m.snap.Seats {
		if s.Vacant {
			continue
		}
		line := fmt.Sprintf("\n  seat %d  %-12s %6d", s.Seat, s.UserID, s.Stack)
		if s.Status != "" && s.Status != "active" {
			line += "  (" + s.Status + ")"
		}
		if s.Seat == turnSeat {
			b.WriteString(turnStyle.Render(line + "  <- to act"))
		} else {
			b.WriteString(seatStyle.Render(line))
		}
	}
	if m.snap.Hand != nil && len(m.snap.Hand.Community) > 0 {
		b.WriteString("\n  board: " + cardString(m.snap.Hand.Community))
	}
	return b.String()
}

func cardString(cards []poker.Card) string {
	parts := make([]string, len(cards))
	for i, c := range cards {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}

