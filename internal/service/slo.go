package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sloDispatcher 单点登出分发器
// 登出时向会话期间访问过的每个服务异步发送登出通知，
// 通知是尽力而为的：失败只记日志，不影响登出本身
type sloDispatcher struct {
	workers int
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// newSLODispatcher 创建单点登出分发器
func newSLODispatcher(workers int, timeout time.Duration, logger *zap.Logger) *sloDispatcher {
	if workers <= 0 {
		workers = 4
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &sloDispatcher{
		workers: workers,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Dispatch 向各服务发送登出通知，services 为 stID -> 服务 URL
func (d *sloDispatcher) Dispatch(services map[string]string) {
	if len(services) == 0 {
		return
	}

	type notice struct {
		stID    string
		service string
	}
	ch := make(chan notice, len(services))
	for stID, svc := range services {
		ch <- notice{stID: stID, service: svc}
	}
	close(ch)

	workers := d.workers
	if workers > len(services) {
		workers = len(services)
	}
	for i := 0; i < workers; i++ {
		go func() {
			for n := range ch {
				d.notify(n.stID, n.service)
			}
		}()
	}
}

// notify 发送单条登出通知
func (d *sloDispatcher) notify(stID, serviceURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	body := logoutRequestBody(stID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceURL,
		strings.NewReader("logoutRequest="+body))
	if err != nil {
		d.logger.Warn("构造登出通知失败", zap.String("service", serviceURL), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("发送登出通知失败", zap.String("service", serviceURL), zap.Error(err))
		return
	}
	resp.Body.Close()

	d.logger.Info("已发送登出通知",
		zap.String("service", serviceURL),
		zap.Int("status", resp.StatusCode),
	)
}

// logoutRequestBody 构造 SAML 风格的登出请求报文
func logoutRequestBody(stID string) string {
	return fmt.Sprintf(
		`<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="%s" Version="2.0" IssueInstant="%s"><saml:NameID xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">@NOT_USED@</saml:NameID><samlp:SessionIndex>%s</samlp:SessionIndex></samlp:LogoutRequest>`,
		"LR-"+uuid.New().String(),
		time.Now().UTC().Format(time.RFC3339),
		stID,
	)
}
