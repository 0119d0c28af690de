package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pu-ac-cn/cas-backend/internal/config"
	"github.com/pu-ac-cn/cas-backend/internal/model"
	"github.com/pu-ac-cn/cas-backend/internal/ticket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubActivation 固定返回的激活策略
type stubActivation struct{ active bool }

func (s stubActivation) ShouldActivate(clientIP string, svc *model.RegisteredService) bool {
	return s.active
}

// stubCaptcha 固定返回的验证码校验器
type stubCaptcha struct{ err error }

func (s stubCaptcha) Validate(ctx context.Context, token, clientIP string) error {
	return s.err
}

// 测试配置
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ContextPath: "/cas"},
		Ticket: config.TicketConfig{
			TGTTimeToKill:    time.Hour,
			TGTMaxTimeToLive: 8 * time.Hour,
			STTimeToKill:     10 * time.Second,
			STNumberOfUses:   1,
			PGTTimeToKill:    time.Hour,
			HostSuffix:       "cas01",
		},
		Cookie: config.CookieConfig{Name: "TGC", Path: "/cas", SameSite: "lax", Secure: true},
		Auth: config.AuthConfig{
			Policy:           PolicyAny,
			RememberMeSecret: "rm-secret",
			RememberMeExpiry: time.Hour,
			AdminSecret:      "admin-secret",
			Issuer:           "cas-backend",
			SLOTimeout:       time.Second,
			SLOWorkers:       2,
		},
	}
}

// flowFixture 流程引擎测试装置
type flowFixture struct {
	engine  *FlowEngine
	tickets ticket.Registry
	client  *redis.Client
	users   *fakeUserRepo
}

// 组装带内存依赖的流程引擎
func setupFlow(t *testing.T, captchaActive bool, captchaErr error, services ...*model.RegisteredService) *flowFixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if services == nil {
		services = []*model.RegisteredService{{
			Name:        "默认应用",
			Pattern:     "https://app.example.com/",
			MatchType:   model.MatchPrefix,
			Enabled:     true,
			SSOEnabled:  true,
			CaptchaMode: model.CaptchaDefault,
		}}
	}
	registry := setupRegistry(t, services...)

	users := newFakeUserRepo(newTestUser(t, "alice", "secret123"))
	auth := NewAuthenticator(PolicyAny, nil,
		NewPasswordHandler(users, 0),
		NewRememberMeHandler(users, "rm-secret", "cas-backend"))

	tickets := ticket.NewRedisRegistry(client, nil)
	factory := ticket.NewFactory("cas01")

	engine := NewFlowEngine(
		registry, tickets, factory, auth,
		stubActivation{active: captchaActive},
		stubCaptcha{err: captchaErr},
		client, testConfig(), nil,
	)
	return &flowFixture{engine: engine, tickets: tickets, client: client, users: users}
}

func TestFlow_StartLogin_UnmatchedService(t *testing.T) {
	f := setupFlow(t, false, nil)

	result, err := f.engine.StartLogin(context.Background(), StartRequest{
		Service: "https://evil.example.com/",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultError, result.Kind)
	assert.Equal(t, FlowErrorUnauthorizedService, result.ErrorCode)
}

func TestFlow_StartLogin_ShowForm(t *testing.T) {
	f := setupFlow(t, false, nil)

	result, err := f.engine.StartLogin(context.Background(), StartRequest{
		Service: "https://app.example.com/home",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultShowForm, result.Kind)
	assert.NotEmpty(t, result.Execution)
	assert.False(t, result.CaptchaRequired)
}

func TestFlow_StartLogin_CaptchaActive(t *testing.T) {
	f := setupFlow(t, true, nil)

	result, err := f.engine.StartLogin(context.Background(), StartRequest{
		Service: "https://app.example.com/home",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultShowForm, result.Kind)
	assert.True(t, result.CaptchaRequired)
}

func TestFlow_StartLogin_Gateway_NoSession(t *testing.T) {
	f := setupFlow(t, false, nil)

	// gateway 且无会话：不提示登录，直接空跳转
	result, err := f.engine.StartLogin(context.Background(), StartRequest{
		Service: "https://app.example.com/home",
		Gateway: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultRedirect, result.Kind)
	assert.Equal(t, "https://app.example.com/home", result.RedirectURL)
	assert.NotContains(t, result.RedirectURL, "ticket=")
}

// 执行一次完整登录并返回结果
func loginOnce(t *testing.T, f *flowFixture, service string) *LoginResult {
	t.Helper()
	ctx := context.Background()

	start, err := f.engine.StartLogin(ctx, StartRequest{Service: service})
	require.NoError(t, err)
	require.Equal(t, ResultShowForm, start.Kind)

	result, err := f.engine.SubmitLogin(ctx, SubmitRequest{
		Execution: start.Execution,
		EventID:   "submit",
		Username:  "alice",
		Password:  "secret123",
	})
	require.NoError(t, err)
	return result
}

func TestFlow_Submit_HappyPath(t *testing.T) {
	f := setupFlow(t, false, nil)
	ctx := context.Background()

	result := loginOnce(t, f, "https://app.example.com/home")
	assert.Equal(t, ResultRedirect, result.Kind)
	assert.Contains(t, result.RedirectURL, "https://app.example.com/home?ticket=ST-")
	require.NotNil(t, result.TGT)

	// 签发的 ST 带 renew 标记，可被消费一次
	ticketID := result.RedirectURL[strings.Index(result.RedirectURL, "ticket=")+len("ticket="):]
	st, err := f.tickets.ConsumeST(ctx, ticketID)
	require.NoError(t, err)
	assert.True(t, st.Renew, "登录链内签发的 ST 应带 renew 标记")
	assert.Equal(t, result.TGT.ID, st.TGTID)

	// TGT 记录了访问过的服务
	tgt, err := f.tickets.GetTGT(ctx, result.TGT.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/home", tgt.Services[st.ID])
}

func TestFlow_Submit_NoService(t *testing.T) {
	f := setupFlow(t, false, nil)

	result := loginOnce(t, f, "")
	assert.Equal(t, ResultSession, result.Kind)
	require.NotNil(t, result.TGT)
	assert.Equal(t, "alice", result.Principal.ID)
}

func TestFlow_Submit_RememberMe(t *testing.T) {
	f := setupFlow(t, false, nil)
	ctx := context.Background()

	start, err := f.engine.StartLogin(ctx, StartRequest{})
	require.NoError(t, err)

	result, err := f.engine.SubmitLogin(ctx, SubmitRequest{
		Execution:  start.Execution,
		EventID:    "submit",
		Username:   "alice",
		Password:   "secret123",
		RememberMe: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.RememberMeToken)
}

func TestFlow_StartLogin_RememberMeRestoresSession(t *testing.T) {
	f := setupFlow(t, false, nil)
	ctx := context.Background()

	start, err := f.engine.StartLogin(ctx, StartRequest{})
	require.NoError(t, err)
	login, err := f.engine.SubmitLogin(ctx, SubmitRequest{
		Execution:  start.Execution,
		EventID:    "submit",
		Username:   "alice",
		Password:   "secret123",
		RememberMe: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, login.RememberMeToken)

	// 无 TGC 但携带记住我令牌：恢复会话并直接发票
	result, err := f.engine.StartLogin(ctx, StartRequest{
		Service:         "https://app.example.com/home",
		RememberMeToken: login.RememberMeToken,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultRedirect, result.Kind)
	assert.Contains(t, result.RedirectURL, "ticket=ST-")
	require.NotNil(t, result.TGT, "恢复的会话应返回新 TGT 供写入 Cookie")

	// 恢复的会话并非主凭据认证，ST 不带 renew 标记
	ticketID := result.RedirectURL[strings.Index(result.RedirectURL, "ticket=")+len("ticket="):]
	st, err := f.tickets.ConsumeST(ctx, ticketID)
	require.NoError(t, err)
	assert.False(t, st.Renew)
	assert.Equal(t, result.TGT.ID, st.TGTID)
}

func TestFlow_StartLogin_RememberMeInvalidToken(t *testing.T) {
	f := setupFlow(t, false, nil)

	// 无效令牌静默回退到登录表单
	result, err := f.engine.StartLogin(context.Background(), StartRequest{
		Service:         "https://app.example.com/home",
		RememberMeToken: "not-a-jwt",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultShowForm, result.Kind)
}

func TestFlow_StartLogin_RememberMeIgnoredOnRenew(t *testing.T) {
	f := setupFlow(t, false, nil)
	ctx := context.Background()

	token, err := IssueRememberMeToken("alice", "rm-secret", "cas-backend", time.Hour)
	require.NoError(t, err)

	// renew=true 要求重新提交主凭据，记住我令牌不生效
	result, err := f.engine.StartLogin(ctx, StartRequest{
		Service:         "https://app.example.com/home",
		Renew:           true,
		RememberMeToken: token,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultShowForm, result.Kind)
}

func TestFlow_Submit_BadCredentials(t *testing.T) {
	f := setupFlow(t, false, nil)
	ctx := context.Background()

	start, err := f.engine.StartLogin(ctx, StartRequest{
		Service: "https://app.example.com/home",
	})
	require.NoError(t, err)

	result, err := f.engine.SubmitLogin(ctx, SubmitRequest{
		Execution: start.Execution,
		EventID:   "submit",
		Username:  "alice",
		Password:  "wrong",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultShowForm, result.Kind)
	assert.Equal(t, FormErrorBadCredentials, result.FormError)
	assert.NotEqual(t, start.Execution, result.Execution, "回显表单应使用新的执行 ID")
}

func TestFlow_Submit_CaptchaInvalid(t *testing.T) {
	f := setupFlow(t, true, ErrCaptchaInvalid)
	ctx := context.Background()

	start, err := f.engine.StartLogin(ctx, StartRequest{})
	require.NoError(t, err)

	result, err := f.engine.SubmitLogin(ctx, SubmitRequest{
		Execution:    start.Execution,
		EventID:      "submit",
		Username:     "alice",
		Password:     "secret123",
		CaptchaToken: "bad",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultShowForm, result.Kind)
	assert.Equal(t, FormErrorCaptchaInvalid, result.FormError)
	assert.True(t, result.CaptchaRequired)
}

func TestFlow_Submit_AccountLocked(t *testing.T) {
	f := setupFlow(t, false, nil)
	ctx := context.Background()

	// 预先锁定账户
	user, err := f.users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	lockTime := time.Now().Add(time.Hour)
	user.LockedUntil = &lockTime
	require.NoError(t, f.users.Update(ctx, user))

	start, err := f.engine.StartLogin(ctx, StartRequest{})
	require.NoError(t, err)

	result, err := f.engine.SubmitLogin(ctx, SubmitRequest{
		Execution: start.Execution,
		EventID:   "submit",
		Username:  "alice",
		Password:  "secret123",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultError, result.Kind)
	assert.Equal(t, FlowErrorAccountLocked, result.ErrorCode)
}

func TestFlow_Submit_WrongEventID(t *testing.T) {
	f := setupFlow(t, false, nil)

	result, err := f.engine.SubmitLogin(context.Background(), SubmitRequest{
		Execution: "e-whatever",
		EventID:   "cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultError, result.Kind)
	assert.Equal(t, FlowErrorInvalidRequest, result.ErrorCode)
}

func TestFlow_Submit_UnknownExecution(t *testing.T) {
	f := setupFlow(t, false, nil)

	result, err := f.engine.SubmitLogin(context.Background(), SubmitRequest{
		Execution: "e-missing",
		EventID:   "submit",
		Username:  "alice",
		Password:  "secret123",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultError, result.Kind)
	assert.Equal(t, FlowErrorInvalidRequest, result.ErrorCode)
}

func TestFlow_Submit_ReplayObservesDone(t *testing.T) {
	f := setupFlow(t, false, nil)
	ctx := context.Background()

	start, err := f.engine.StartLogin(ctx, StartRequest{
		Service: "https://app.example.com/home",
	})
	require.NoError(t, err)

	req := SubmitRequest{
		Execution: start.Execution,
		EventID:   "submit",
		Username:  "alice",
		Password:  "secret123",
	}

	first, err := f.engine.SubmitLogin(ctx, req)
	require.NoError(t, err)
	require.Equal(t, ResultRedirect, first.Kind)

	// 重复提交观察到首个提交的终止结果，而不是再次执行
	second, err := f.engine.SubmitLogin(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ResultRedirect, second.Kind)
	assert.Equal(t, first.RedirectURL, second.RedirectURL)
}

func TestFlow_Submit_WaitsForInflightResult(t *testing.T) {
	f := setupFlow(t, false, nil)
	ctx := context.Background()

	start, err := f.engine.StartLogin(ctx, StartRequest{
		Service: "https://app.example.com/home",
	})
	require.NoError(t, err)

	// 会话已被首个提交取走，终止结果稍后才写入
	require.NoError(t, f.client.Del(ctx, flowKeyPrefix+start.Execution).Err())
	go func() {
		time.Sleep(150 * time.Millisecond)
		f.engine.saveDone(ctx, start.Execution, &LoginResult{
			Kind:        ResultRedirect,
			RedirectURL: "https://app.example.com/home?ticket=ST-parked",
		})
	}()

	// 后到的提交等到首个提交的终止结果，而不是 INVALID_REQUEST
	result, err := f.engine.SubmitLogin(ctx, SubmitRequest{
		Execution: start.Execution,
		EventID:   "submit",
		Username:  "alice",
		Password:  "secret123",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultRedirect, result.Kind)
	assert.Equal(t, "https://app.example.com/home?ticket=ST-parked", result.RedirectURL)
}

func TestFlow_ConcurrentSubmit_SingleTGT(t *testing.T) {
	f := setupFlow(t, false, nil)
	ctx := context.Background()

	start, err := f.engine.StartLogin(ctx, StartRequest{})
	require.NoError(t, err)

	const goroutines = 8
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.SubmitLogin(ctx, SubmitRequest{
				Execution: start.Execution,
				EventID:   "submit",
				Username:  "alice",
				Password:  "secret123",
			})
		}()
	}
	wg.Wait()

	// 并发提交被线性化：只产生一个 TGT
	keys, err := f.client.Keys(ctx, "cas:tgt:*").Result()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestFlow_SSO_SecondService(t *testing.T) {
	f := setupFlow(t, false, nil,
		&model.RegisteredService{
			ID: 1, Name: "应用一", Pattern: "https://app.example.com/",
			MatchType: model.MatchPrefix, Enabled: true, SSOEnabled: true,
		},
		&model.RegisteredService{
			ID: 2, Name: "应用二", Pattern: "https://other.example.com/",
			MatchType: model.MatchPrefix, Enabled: true, SSOEnabled: true,
		},
	)
	ctx := context.Background()

	login := loginOnce(t, f, "https://app.example.com/home")
	require.NotNil(t, login.TGT)

	// 携带会话访问第二个服务：免登录直接发票
	result, err := f.engine.StartLogin(ctx, StartRequest{
		Service: "https://other.example.com/page",
		TGTID:   login.TGT.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultRedirect, result.Kind)
	assert.Contains(t, result.RedirectURL, "ticket=ST-")

	ticketID := result.RedirectURL[strings.Index(result.RedirectURL, "ticket=")+len("ticket="):]
	st, err := f.tickets.ConsumeST(ctx, ticketID)
	require.NoError(t, err)
	assert.False(t, st.Renew, "SSO 复用会话签发的 ST 不带 renew 标记")
}

func TestFlow_SSO_NoService_ShowsSession(t *testing.T) {
	f := setupFlow(t, false, nil)
	ctx := context.Background()

	login := loginOnce(t, f, "")

	result, err := f.engine.StartLogin(ctx, StartRequest{TGTID: login.TGT.ID})
	require.NoError(t, err)
	assert.Equal(t, ResultSession, result.Kind)
	assert.Equal(t, "alice", result.Principal.ID)
}

func TestFlow_SSO_DisabledService_ForcesLogin(t *testing.T) {
	f := setupFlow(t, false, nil, &model.RegisteredService{
		ID: 1, Name: "不参与 SSO", Pattern: "https://app.example.com/",
		MatchType: model.MatchPrefix, Enabled: true, SSOEnabled: false,
	})
	ctx := context.Background()

	login := loginOnce(t, f, "")

	// 服务不参与 SSO：即使有会话也要重新认证
	result, err := f.engine.StartLogin(ctx, StartRequest{
		Service: "https://app.example.com/home",
		TGTID:   login.TGT.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultShowForm, result.Kind)
}

func TestFlow_Renew_ForcesReauth(t *testing.T) {
	f := setupFlow(t, false, nil)
	ctx := context.Background()

	login := loginOnce(t, f, "")

	// renew=true：无视现有会话，必须重新提交凭据
	result, err := f.engine.StartLogin(ctx, StartRequest{
		Service: "https://app.example.com/home",
		TGTID:   login.TGT.ID,
		Renew:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultShowForm, result.Kind)
}

func TestFlow_Logout_DestroysSession(t *testing.T) {
	f := setupFlow(t, false, nil)
	ctx := context.Background()

	login := loginOnce(t, f, "https://app.example.com/home")
	require.NotNil(t, login.TGT)

	result, err := f.engine.Logout(ctx, login.TGT.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ResultSession, result.Kind)

	_, err = f.tickets.GetTGT(ctx, login.TGT.ID)
	assert.ErrorIs(t, err, ticket.ErrTicketNotFound)
}

func TestFlow_Logout_RedirectsToRegisteredService(t *testing.T) {
	f := setupFlow(t, false, nil)

	result, err := f.engine.Logout(context.Background(), "", "https://app.example.com/bye")
	require.NoError(t, err)
	assert.Equal(t, ResultRedirect, result.Kind)
	assert.Equal(t, "https://app.example.com/bye", result.RedirectURL)
}

func TestFlow_Logout_IgnoresUnregisteredService(t *testing.T) {
	f := setupFlow(t, false, nil)

	// 未注册的 service 参数不跳转，避免开放重定向
	result, err := f.engine.Logout(context.Background(), "", "https://evil.example.com/")
	require.NoError(t, err)
	assert.Equal(t, ResultSession, result.Kind)
}

func TestFlow_TransitionTable_RejectsInvalid(t *testing.T) {
	_, err := advance(StateEnd, EventSubmit)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	next, err := advance(StateStart, EventProceed)
	require.NoError(t, err)
	assert.Equal(t, StateCheckSSO, next)
}
