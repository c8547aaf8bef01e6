package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/chatauth/internal/middleware"
)

// adminRequestTimeout は管理サブコマンドの1リクエストに許容する時間。
// 全ユーザーの復旧はロック待ちを含むため長めに取る。
const adminRequestTimeout = 60 * time.Second

// maxAdminResponse は管理APIの応答として読み込む最大バイト数。
const maxAdminResponse = 1 << 20

// adminClient は稼働中のサーバーの /admin/* を呼び出す。
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(baseURL, token string) *adminClient {
	return &adminClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: adminRequestTimeout},
	}
}

// recover は対象ユーザー（または全ユーザー）の復旧を要求し、応答をwに書き出す。
func (c *adminClient) recover(ctx context.Context, w io.Writer, target adminTarget) error {
	path := "/admin/recover"
	if !target.All {
		path = "/admin/users/" + url.PathEscape(target.UserID) + "/recover"
	}
	return c.do(ctx, w, http.MethodPost, path)
}

// diagnose は対象ユーザーの診断結果を取得し、wに書き出す。
func (c *adminClient) diagnose(ctx context.Context, w io.Writer, target adminTarget) error {
	return c.do(ctx, w, http.MethodGet, "/admin/users/"+url.PathEscape(target.UserID))
}

func (c *adminClient) do(ctx context.Context, w io.Writer, method, path string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build admin request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAdminResponse))
	if err != nil {
		return fmt.Errorf("failed to read admin response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr middleware.ErrorResponseBody
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("admin request returned status %d: [%s] %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("admin request returned status %d", resp.StatusCode)
	}

	body = bytes.TrimSpace(body)
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		out.Reset()
		out.Write(body)
	}
	out.WriteByte('\n')
	_, err = w.Write(out.Bytes())
	return err
}
