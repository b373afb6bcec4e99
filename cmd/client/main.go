// Terminal client for the replicated group-chat service.
//
// Screens
// -------
//   stateLogin – centered username / group form
//   stateChat  – full-screen chat with scrollable message viewport
//
// Concurrency
// -----------
//   internal/client.Client owns the socket(s): a reader goroutine feeds
//   decoded packets into a channel, a separate goroutine sends KEEP_ALIVEs,
//   and on disconnect the client transparently reconnects and re-LOGINs.
//   The Bubbletea event loop drains one packet at a time via waitForPkt,
//   immediately queuing the next read after each packet is processed, and
//   polls Client.State() to reflect ServerDown/Reconnecting in the header.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatring/internal/client"
	"chatring/internal/wire"
)

var (
	purple = lipgloss.Color("99")
	cyan   = lipgloss.Color("86")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().
			Foreground(gray).
			Width(10)

	focusedLabelStyle = lipgloss.NewStyle().
				Foreground(cyan).
				Width(10)

	hintStyle  = lipgloss.NewStyle().Foreground(gray).Italic(true)
	errorStyle = lipgloss.NewStyle().Foreground(red)
	sysStyle   = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	tsStyle    = lipgloss.NewStyle().Foreground(gray)
	myStyle    = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle  = lipgloss.NewStyle().Bold(true).Foreground(blue)
)

type serverPktMsg *wire.Packet
type disconnectedMsg struct{}
type tickMsg time.Time

type appState int

const (
	stateLogin appState = iota
	stateChat
)

type model struct {
	cl     *client.Client
	addr   string
	cfg    client.Config
	logger *zap.Logger

	state appState

	loginFocus  int
	loginFields [2]textinput.Model // [0]=username [1]=groupname
	statusMsg   string

	ready     bool
	viewport  viewport.Model
	chatInput textinput.Model
	chatLines []string

	failoverState client.State

	width, height int
}

func newModel(cfg client.Config, addr string, logger *zap.Logger) model {
	uf := textinput.New()
	uf.Placeholder = "username"
	uf.Focus()
	uf.CharLimit = 32
	uf.Width = 32

	gf := textinput.New()
	gf.Placeholder = "group name"
	gf.CharLimit = 32
	gf.Width = 32

	ci := textinput.New()
	ci.Placeholder = "Type a message…"
	ci.CharLimit = 500

	return model{
		cfg:         cfg,
		addr:        addr,
		logger:      logger,
		state:       stateLogin,
		loginFields: [2]textinput.Model{uf, gf},
		chatInput:   ci,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.chatInput.Width = msg.Width - 4
		return m, nil

	case serverPktMsg:
		m = m.handleServerPkt((*wire.Packet)(msg))
		return m, waitForPkt(m.cl)

	case disconnectedMsg:
		m.statusMsg = "disconnected from server"
		return m, tea.Quit

	case tickMsg:
		if m.cl != nil {
			m.failoverState = m.cl.State()
		}
		return m, tickCmd()

	case tea.KeyMsg:
		switch m.state {
		case stateLogin:
			return m.handleLoginKey(msg)
		case stateChat:
			return m.handleChatKey(msg)
		}
	}
	return m, nil
}

func (m model) vpHeight() int {
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

func (m model) handleLoginKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyTab, tea.KeyShiftTab:
		m.loginFocus = (m.loginFocus + 1) % 2
		for i := range m.loginFields {
			if i == m.loginFocus {
				m.loginFields[i].Focus()
			} else {
				m.loginFields[i].Blur()
			}
		}
		return m, textinput.Blink

	case tea.KeyEnter:
		username := strings.TrimSpace(m.loginFields[0].Value())
		groupname := strings.TrimSpace(m.loginFields[1].Value())
		if username == "" || groupname == "" {
			m.statusMsg = "username and group name are required"
			return m, nil
		}
		m.cfg.Username = username
		m.cfg.Groupname = groupname
		m.cl = client.New(m.cfg, m.logger)
		if err := m.cl.ConnectInitial(m.addr); err != nil {
			m.statusMsg = err.Error()
			m.cl = nil
			return m, nil
		}
		m.state = stateChat
		m.chatInput.Focus()
		return m, waitForPkt(m.cl)
	}

	var cmd tea.Cmd
	m.loginFields[m.loginFocus], cmd = m.loginFields[m.loginFocus].Update(msg)
	return m, cmd
}

func (m model) handleChatKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyCtrlQ:
		if m.cl != nil {
			m.cl.Send(wire.TypeLogout, wire.LogoutPayload{})
			m.cl.Stop()
		}
		return m, tea.Quit

	case tea.KeyEnter:
		content := strings.TrimSpace(m.chatInput.Value())
		if content != "" && m.cl != nil && m.cl.State() == client.StateConnected {
			m.cl.Send(wire.TypeMessage, wire.MessagePayload{
				Timestamp: time.Now().Unix(),
				Kind:      wire.KindUser,
				Body:      content,
			})
			m.chatInput.Reset()
		}
		return m, nil

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

func (m model) handleServerPkt(pkt *wire.Packet) model {
	switch pkt.Type {
	case wire.TypeMessage:
		var p wire.MessagePayload
		if err := pkt.Decode(&p); err != nil {
			return m
		}
		ts := tsStyle.Render("[" + time.Unix(p.Timestamp, 0).Local().Format("15:04:05") + "]")
		var name string
		if p.Sender == m.cfg.Username {
			name = myStyle.Render("You")
		} else {
			name = peerStyle.Render(p.Sender)
		}
		m.appendChat(ts + " " + name + ": " + p.Body)

	case wire.TypeServerBroadcast:
		var p wire.ServerBroadcastPayload
		if err := pkt.Decode(&p); err != nil {
			return m
		}
		m.appendChat(sysStyle.Render("* " + p.Body))

	case wire.TypeDisconnect:
		var p wire.DisconnectPayload
		if err := pkt.Decode(&p); err == nil {
			m.appendChat(errorStyle.Render("disconnected: " + p.Reason))
		}
	}
	return m
}

func (m *model) appendChat(line string) {
	m.chatLines = append(m.chatLines, line)
	m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
	m.viewport.GotoBottom()
}

func (m model) View() string {
	switch m.state {
	case stateLogin:
		return m.viewLogin()
	case stateChat:
		return m.viewChat()
	}
	return ""
}

func (m model) viewLogin() string {
	if m.width == 0 {
		return "\n  Starting…"
	}

	title := titleStyle.Render("  Group Chat  ")

	renderField := func(label string, f textinput.Model, focused bool) string {
		var lbl string
		if focused {
			lbl = focusedLabelStyle.Render(label)
		} else {
			lbl = labelStyle.Render(label)
		}
		return lbl + "  " + f.View()
	}

	form := lipgloss.JoinVertical(lipgloss.Left,
		title,
		"",
		renderField("Username", m.loginFields[0], m.loginFocus == 0),
		renderField("Group", m.loginFields[1], m.loginFocus == 1),
		"",
		hintStyle.Render("Tab: switch field   Enter: join   Ctrl+C: quit"),
		"",
		errorStyle.Render(m.statusMsg),
	)

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, form)
}

func (m model) viewChat() string {
	if !m.ready {
		return "\n  Connecting…"
	}

	status := "connected"
	switch m.failoverState {
	case client.StateServerDown:
		status = "server down"
	case client.StateReconnecting:
		status = "reconnecting…"
	}

	hdr := headerStyle.
		Width(m.width).
		Render(fmt.Sprintf(" %s @ %s  ·  %s  ·  PgUp/Dn: Scroll  Ctrl+C: Quit", m.cfg.Username, m.cfg.Groupname, status))

	footer := footerBorderStyle.
		Width(m.width - 2).
		Render(m.chatInput.View())

	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), footer)
}

// waitForPkt returns a tea.Cmd that blocks until the next packet arrives.
// When the channel is closed (client stopped), it returns disconnectedMsg.
func waitForPkt(cl *client.Client) tea.Cmd {
	return func() tea.Msg {
		pkt, ok := <-cl.Packets()
		if !ok {
			return disconnectedMsg{}
		}
		return serverPktMsg(pkt)
	}
}

var (
	serverAddr  string
	listenPort  uint16
	replicaList []string
	sleepTime   time.Duration
	reconnectTO time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "chatring-client",
	Short: "Terminal client for the replicated group-chat service",
	RunE:  runClient,
}

func init() {
	rootCmd.Flags().StringVar(&serverAddr, "addr", "localhost:9000", "initial coordinator address")
	rootCmd.Flags().Uint16Var(&listenPort, "listen-port", 0, "local port for COORDINATOR_ANNOUNCE delivery (0 disables)")
	rootCmd.Flags().StringSliceVar(&replicaList, "peer", nil, "fallback host:port to poll after a failover, repeatable")
	rootCmd.Flags().DurationVar(&sleepTime, "keep-alive", 5*time.Second, "KEEP_ALIVE interval")
	rootCmd.Flags().DurationVar(&reconnectTO, "reconnect-timeout", 3*time.Second, "how long to wait for a COORDINATOR_ANNOUNCE before polling --peer")
}

func runClient(cmd *cobra.Command, args []string) error {
	logger := zap.Must(zap.NewProduction())
	defer logger.Sync()

	cfg := client.Config{
		ListenPort:       listenPort,
		ReplicaList:      replicaList,
		SleepTime:        sleepTime,
		ReconnectTimeout: reconnectTO,
	}

	p := tea.NewProgram(
		newModel(cfg, serverAddr, logger),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err := p.Run()
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
