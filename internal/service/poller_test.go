package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cybertemp/agent/internal/domain"
	"cybertemp/agent/internal/notify"
	"cybertemp/agent/internal/remote"
	"cybertemp/agent/internal/storage"
)

type pollerFixture struct {
	state    *storage.State
	kv       *countingKV
	remote   *MockRemote
	tabs     *recordingTabs
	notifier *recordingNotifier
	events   *recordingEvents
	poller   *Poller
}

func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()
	state, kv := newCountingState()
	f := &pollerFixture{
		state:    state,
		kv:       kv,
		remote:   new(MockRemote),
		tabs:     &recordingTabs{},
		notifier: &recordingNotifier{},
		events:   &recordingEvents{},
	}
	dispatcher := NewDispatcher(state, f.tabs, f.notifier, zap.NewNop())
	f.poller = NewPoller(state, f.remote, dispatcher, zap.NewNop(),
		WithEvents(f.events),
		WithPollNotifier(f.notifier),
	)
	return f
}

func (f *pollerFixture) login(t *testing.T, email, key string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.state.SetCredential(ctx, key))
	require.NoError(t, f.state.ReplaceIdentity(ctx, email))
}

func TestPoller_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("没有身份时不请求远程服务", func(t *testing.T) {
		f := newPollerFixture(t)
		require.NoError(t, f.state.SetCredential(ctx, "k1"))

		require.NoError(t, f.poller.Poll(ctx))
		f.remote.AssertNotCalled(t, "GetMail", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("凭证为空时不请求远程服务", func(t *testing.T) {
		f := newPollerFixture(t)
		f.login(t, "a1b2@domain.com", "")

		require.NoError(t, f.poller.Poll(ctx))
		f.remote.AssertNotCalled(t, "GetMail", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("凭证未设置时不请求远程服务", func(t *testing.T) {
		f := newPollerFixture(t)
		require.NoError(t, f.state.ReplaceIdentity(ctx, "a1b2@domain.com"))

		require.NoError(t, f.poller.Poll(ctx))
		f.remote.AssertNotCalled(t, "GetMail", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestPoller_NewMailScenario(t *testing.T) {
	ctx := context.Background()
	f := newPollerFixture(t)
	f.login(t, "a1b2@domain.com", "k1")

	old := domain.Message{ID: "100", From: "svc@x.com", Subject: "old", Text: "hello"}
	f.remote.On("GetMail", mock.Anything, "a1b2@domain.com", "k1").Return([]domain.Message{old}, nil).Once()
	require.NoError(t, f.poller.Poll(ctx))
	assert.Equal(t, domain.MessageID("100"), f.poller.Cursor())

	before := len(f.notifier.all())
	writes := f.kv.writes()

	t.Run("最新邮件未变化时不写入不通知", func(t *testing.T) {
		f.remote.On("GetMail", mock.Anything, "a1b2@domain.com", "k1").Return([]domain.Message{old}, nil).Once()
		require.NoError(t, f.poller.Poll(ctx))

		assert.Len(t, f.notifier.all(), before)
		assert.Equal(t, writes, f.kv.writes())
		assert.Empty(t, f.tabs.codes)
	})

	t.Run("新邮件替换缓存并分发验证码", func(t *testing.T) {
		fresh := domain.Message{ID: "101", From: "svc@x.com", Subject: "Login", Text: "Your code is 3344"}
		f.remote.On("GetMail", mock.Anything, "a1b2@domain.com", "k1").Return([]domain.Message{fresh, old}, nil).Once()
		require.NoError(t, f.poller.Poll(ctx))

		assert.Equal(t, domain.MessageID("101"), f.poller.Cursor())

		cached, err := f.state.Messages(ctx)
		require.NoError(t, err)
		require.Len(t, cached, 2)
		assert.Equal(t, domain.MessageID("101"), cached[0].ID)

		assert.Equal(t, []string{"3344"}, f.tabs.codes)

		sent := f.notifier.all()
		require.Len(t, sent, before+1)
		assert.Equal(t, notify.KindCodeFound, sent[len(sent)-1].Kind)
		assert.Equal(t, "3344", sent[len(sent)-1].Code)

		require.NotEmpty(t, f.events.batches)
		assert.Len(t, f.events.batches[len(f.events.batches)-1], 2)
	})

	f.remote.AssertExpectations(t)
}

func TestPoller_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newPollerFixture(t)
	f.login(t, "a1b2@domain.com", "k1")

	msgs := []domain.Message{{ID: "7", Subject: "Welcome", Text: "hi there"}}
	f.remote.On("GetMail", mock.Anything, mock.Anything, mock.Anything).Return(msgs, nil)

	writesBefore := f.kv.writes()
	require.NoError(t, f.poller.Poll(ctx))
	first := f.kv.writes() - writesBefore
	notified := len(f.notifier.all())

	require.NoError(t, f.poller.Poll(ctx))
	assert.LessOrEqual(t, f.kv.writes()-writesBefore, 1)
	assert.Equal(t, 1, first)
	assert.Len(t, f.notifier.all(), notified)
	assert.Equal(t, notify.KindNewMail, f.notifier.all()[0].Kind)
}

func TestPoller_EmptyInbox(t *testing.T) {
	ctx := context.Background()
	f := newPollerFixture(t)
	f.login(t, "a1b2@domain.com", "k1")
	writes := f.kv.writes()

	f.remote.On("GetMail", mock.Anything, mock.Anything, mock.Anything).Return([]domain.Message{}, nil)
	require.NoError(t, f.poller.Poll(ctx))

	assert.Equal(t, writes, f.kv.writes())
	assert.Empty(t, f.notifier.all())
	assert.Empty(t, f.poller.Cursor())
}

func TestPoller_Unauthorized(t *testing.T) {
	ctx := context.Background()

	t.Run("INVALID_API_KEY 清除凭证并通知", func(t *testing.T) {
		f := newPollerFixture(t)
		f.login(t, "a1b2@domain.com", "k1")

		f.remote.On("GetMail", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("/getMail: %w", remote.ErrInvalidCredential)).Once()

		err := f.poller.Poll(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, remote.ErrInvalidCredential)

		key, ok, err := f.state.Credential(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, key)

		sent := f.notifier.all()
		require.Len(t, sent, 1)
		assert.Equal(t, notify.KindAuthFailed, sent[0].Kind)

		email, ok, err := f.state.Identity(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "a1b2@domain.com", email)
	})

	t.Run("RATE_LIMITED 保留凭证", func(t *testing.T) {
		f := newPollerFixture(t)
		f.login(t, "a1b2@domain.com", "k1")

		f.remote.On("GetMail", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, &remote.APIError{StatusCode: 401, Code: "RATE_LIMITED"}).Once()

		require.Error(t, f.poller.Poll(ctx))

		key, _, err := f.state.Credential(ctx)
		require.NoError(t, err)
		assert.Equal(t, "k1", key)
		assert.Empty(t, f.notifier.all())
	})

	t.Run("网络错误不修改状态", func(t *testing.T) {
		f := newPollerFixture(t)
		f.login(t, "a1b2@domain.com", "k1")
		require.NoError(t, f.state.SetMessages(ctx, []domain.Message{{ID: "1"}}))
		writes := f.kv.writes()

		f.remote.On("GetMail", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("connection refused")).Once()

		require.Error(t, f.poller.Poll(ctx))
		assert.Equal(t, writes, f.kv.writes())

		cached, err := f.state.Messages(ctx)
		require.NoError(t, err)
		assert.Len(t, cached, 1)
	})
}

func TestPoller_ResetCursor(t *testing.T) {
	ctx := context.Background()
	f := newPollerFixture(t)
	f.login(t, "a1b2@domain.com", "k1")

	msgs := []domain.Message{{ID: "5", Text: "otp: 998877"}}
	f.remote.On("GetMail", mock.Anything, mock.Anything, mock.Anything).Return(msgs, nil)

	require.NoError(t, f.poller.Poll(ctx))
	f.poller.ResetCursor()
	assert.Empty(t, f.poller.Cursor())

	require.NoError(t, f.poller.Poll(ctx))
	assert.Equal(t, []string{"998877", "998877"}, f.tabs.codes)
}

func TestPoller_IdentityChangedDuringPoll(t *testing.T) {
	ctx := context.Background()

	t.Run("生成新身份时丢弃旧地址的邮件", func(t *testing.T) {
		f := newPollerFixture(t)
		f.login(t, "alice@old.com", "k1")
		identity := NewIdentityService(f.state, f.remote, f.poller, "cybertemp.xyz", zap.NewNop())

		old := []domain.Message{{ID: "900", From: "svc@x.com", Text: "code: 7777"}}
		f.remote.On("GetMail", mock.Anything, "alice@old.com", "k1").
			Run(func(mock.Arguments) {
				_, err := identity.Generate(ctx, GenerateInput{Username: "bob", Domain: "new.com"})
				require.NoError(t, err)
			}).
			Return(old, nil).Once()

		require.NoError(t, f.poller.Poll(ctx))

		email, _, err := f.state.Identity(ctx)
		require.NoError(t, err)
		assert.Equal(t, "bob@new.com", email)

		cached, err := f.state.Messages(ctx)
		require.NoError(t, err)
		assert.Empty(t, cached)
		assert.Empty(t, f.poller.Cursor())
		assert.Empty(t, f.tabs.codes)
		assert.Empty(t, f.notifier.all())
		assert.Empty(t, f.events.batches)
	})

	t.Run("结束会话时丢弃结果", func(t *testing.T) {
		f := newPollerFixture(t)
		f.login(t, "alice@old.com", "k1")
		session := NewSessionService(f.state, zap.NewNop(), WithSessionGuard(f.poller))

		f.remote.On("GetMail", mock.Anything, "alice@old.com", "k1").
			Run(func(mock.Arguments) {
				require.NoError(t, session.TerminateSession(ctx))
			}).
			Return([]domain.Message{{ID: "901", Text: "code: 1234"}}, nil).Once()

		require.NoError(t, f.poller.Poll(ctx))

		cached, err := f.state.Messages(ctx)
		require.NoError(t, err)
		assert.Empty(t, cached)
		assert.Empty(t, f.tabs.codes)
	})

	t.Run("新身份的下一次轮询正常处理", func(t *testing.T) {
		f := newPollerFixture(t)
		f.login(t, "alice@old.com", "k1")
		identity := NewIdentityService(f.state, f.remote, f.poller, "cybertemp.xyz", zap.NewNop())

		f.remote.On("GetMail", mock.Anything, "alice@old.com", "k1").
			Run(func(mock.Arguments) {
				_, err := identity.Generate(ctx, GenerateInput{Username: "bob", Domain: "new.com"})
				require.NoError(t, err)
			}).
			Return([]domain.Message{{ID: "900", Text: "code: 7777"}}, nil).Once()
		f.remote.On("GetMail", mock.Anything, "bob@new.com", "k1").
			Return([]domain.Message{{ID: "12", Text: "code: 5566"}}, nil).Once()

		require.NoError(t, f.poller.Poll(ctx))
		require.NoError(t, f.poller.Poll(ctx))

		assert.Equal(t, domain.MessageID("12"), f.poller.Cursor())
		assert.Equal(t, []string{"5566"}, f.tabs.codes)
	})
}

func TestPoller_SwitchIdentityError(t *testing.T) {
	f := newPollerFixture(t)
	f.poller.advance("42")

	err := f.poller.SwitchIdentity(func() error { return errors.New("disk full") })
	assert.Error(t, err)
	assert.Equal(t, domain.MessageID("42"), f.poller.Cursor())
}
