package spamubot

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"testing"
)

// mockDiscordSession implements DiscordSessionHandler.
// This is used for testing to simulate the behavior of a real Discord session.
// Outbound calls are recorded instead of sent.
type mockDiscordSession struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar

	mu       sync.Mutex
	messages []mockChannelMessage
	statuses []discordgo.UpdateStatusData
	handlers map[int]any
	identify discordgo.Identify
	opened   int
	closed   int
	nextID   int

	// refused users get a 50007 error when a DM is sent to them
	refused map[string]bool

	// dmErrors are returned when creating a DM channel for the user
	dmErrors map[string]error
}

type mockChannelMessage struct {
	ChannelID string
	Content   string
}

func newMockDiscordSession() *mockDiscordSession {
	m := &mockDiscordSession{
		logLevel: &slog.LevelVar{},
		handlers: map[int]any{},
		refused:  map[string]bool{},
		dmErrors: map[string]error{},
	}
	m.logLevel.Set(slog.LevelWarn)
	m.logger = slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     m.logLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord_session_handler")
	return m
}

func dmChannelID(userID string) string {
	return "dm-" + userID
}

func newDMRefusedError() *discordgo.RESTError {
	return &discordgo.RESTError{
		Response: &http.Response{
			StatusCode: http.StatusForbidden,
			Status:     "403 Forbidden",
		},
		ResponseBody: []byte(`{"message": "Cannot send messages to this user", "code": 50007}`),
		Message: &discordgo.APIErrorMessage{
			Code:    discordgo.ErrCodeCannotSendMessagesToThisUser,
			Message: "Cannot send messages to this user",
		},
	}
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
	m.logger.Info("opened session")
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	m.logger.Info("closed session")
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID := range m.refused {
		if channelID == dmChannelID(userID) {
			return nil, newDMRefusedError()
		}
	}
	m.nextID++
	m.messages = append(m.messages, mockChannelMessage{ChannelID: channelID, Content: message})
	m.logger.Info("sent message", "channel_id", channelID)
	return &discordgo.Message{
		ID:        fmt.Sprintf("%d", m.nextID),
		ChannelID: channelID,
		Content:   message,
	}, nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.dmErrors[recipientID]; err != nil {
		return nil, err
	}
	return &discordgo.Channel{
		ID:   dmChannelID(recipientID),
		Type: discordgo.ChannelTypeDM,
	}, nil
}

func (m *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, data)
	return nil
}

func (m *mockDiscordSession) AddHandler(handler any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.handlers[id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

func (m *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identify = i
}

func (m *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	m.logLevel.Set(lvl)
	return nil
}

func (m *mockDiscordSession) sentTo(channelID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sent []string
	for _, msg := range m.messages {
		if msg.ChannelID == channelID {
			sent = append(sent, msg.Content)
		}
	}
	return sent
}

func (m *mockDiscordSession) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// lastPresence returns the text of the most recent presence update
func (m *mockDiscordSession) lastPresence() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.statuses) == 0 {
		return "", false
	}
	last := m.statuses[len(m.statuses)-1]
	if len(last.Activities) == 0 {
		return "", true
	}
	return last.Activities[0].Name, true
}

func (m *mockDiscordSession) handlerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// messageCreateHandler returns the registered MessageCreate handler, if any
func (m *mockDiscordSession) messageCreateHandler() func(*discordgo.Session, *discordgo.MessageCreate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handlers {
		if f, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			return f
		}
	}
	return nil
}

func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	id, err := generateRandomHexString(16)
	require.NoError(t, err)
	return &discordgo.User{
		ID:       id,
		Username: "user_" + id[:6],
	}
}

func newMessageCreate(t testing.TB, author *discordgo.User, content string) *discordgo.MessageCreate {
	t.Helper()
	id, err := generateRandomHexString(16)
	require.NoError(t, err)
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        id,
			ChannelID: "support-channel",
			GuildID:   "guild",
			Content:   content,
			Author:    author,
		},
	}
}

func TestIsDMRefused(t *testing.T) {
	t.Parallel()

	t.Run(
		"cannot send to user", func(t *testing.T) {
			t.Parallel()
			assert.True(t, isDMRefused(newDMRefusedError()))
		},
	)

	t.Run(
		"wrapped", func(t *testing.T) {
			t.Parallel()
			err := fmt.Errorf("error creating DM channel: %w", newDMRefusedError())
			assert.True(t, isDMRefused(err))
		},
	)

	t.Run(
		"forbidden without code", func(t *testing.T) {
			t.Parallel()
			err := &discordgo.RESTError{
				Response: &http.Response{StatusCode: http.StatusForbidden, Status: "403 Forbidden"},
			}
			assert.True(t, isDMRefused(err))
		},
	)

	t.Run(
		"other rest error", func(t *testing.T) {
			t.Parallel()
			err := &discordgo.RESTError{
				Response: &http.Response{
					StatusCode: http.StatusInternalServerError,
					Status:     "500 Internal Server Error",
				},
				Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownChannel},
			}
			assert.False(t, isDMRefused(err))
		},
	)

	t.Run(
		"not a rest error", func(t *testing.T) {
			t.Parallel()
			assert.False(t, isDMRefused(errors.New("connection reset")))
			assert.False(t, isDMRefused(nil))
		},
	)
}

func TestDiscord_SendDirectMessage(t *testing.T) {
	t.Parallel()
	bot, session := newUnstartedBot(t)
	user := newDiscordUser(t)

	require.NoError(t, bot.discord.sendDirectMessage(user.ID, "hello"))
	assert.Equal(t, []string{"hello"}, session.sentTo(dmChannelID(user.ID)))

	session.mu.Lock()
	session.refused[user.ID] = true
	session.mu.Unlock()

	err := bot.discord.sendDirectMessage(user.ID, "hello again")
	require.Error(t, err)
	assert.True(t, isDMRefused(err))
}

func TestDiscord_HandlerReady(t *testing.T) {
	t.Parallel()
	bot, _ := newUnstartedBot(t)

	assert.Equal(t, "", bot.discord.Username())

	ready := bot.discord.handlerReady()
	ready(
		nil, &discordgo.Ready{
			SessionID: "session",
			User:      &discordgo.User{ID: "1234", Username: "SpamuBot"},
		},
	)
	assert.Equal(t, "SpamuBot", bot.discord.Username())

	select {
	case <-bot.triggerPresenceCh:
	default:
		t.Fatal("expected a presence update to be triggered")
	}
}

func TestDiscord_ConnectDisconnect(t *testing.T) {
	t.Parallel()
	bot, _ := newUnstartedBot(t)

	bot.discord.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, bot.discord.connected.Load())
	assert.Equal(t, int64(1), bot.discord.metricConnects.Load())

	bot.discord.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, bot.discord.connected.Load())
	assert.Equal(t, int64(1), bot.discord.metricDisconnects.Load())
}
