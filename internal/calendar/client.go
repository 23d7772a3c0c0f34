// Package calendar はGoogleカレンダーからの予定取得を提供する。
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/hitoshi/agendamail/internal/model"
)

const (
	// defaultEndpoint はGoogleカレンダーAPIのプライマリカレンダーイベント一覧エンドポイント。
	defaultEndpoint = "https://www.googleapis.com/calendar/v3/calendars/primary/events"
	// maxResultsPerRequest は1リクエストあたりの最大取得件数。
	maxResultsPerRequest = 50
)

// Fetcher は予定取得のインターフェース。
type Fetcher interface {
	// FetchEvents は当日0時（UTC）からlookAheadDays日先までの予定を取得する。
	FetchEvents(ctx context.Context, accessToken string, lookAheadDays int) ([]model.Event, error)
}

// Client はGoogleカレンダーAPIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   defaultEndpoint,
	}
}

// eventsResponse はイベント一覧APIのレスポンス。
type eventsResponse struct {
	Items         []eventItem `json:"items"`
	NextPageToken string      `json:"nextPageToken"`
}

type eventItem struct {
	Summary     string    `json:"summary"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Start       eventTime `json:"start"`
	End         eventTime `json:"end"`
}

type eventTime struct {
	Date     string `json:"date"`     // 終日予定の場合のみ（YYYY-MM-DD）
	DateTime string `json:"dateTime"` // 時刻付き予定の場合のみ（RFC3339）
}

// FetchEvents は当日0時（UTC）からlookAheadDays日先までの予定を取得する。
// 一時的な失敗は1回だけ再試行し、それでも失敗した場合はTRANSIENT_NETWORKを返す。
// 認可エラー（401/403）はTRANSIENT扱いせず即座にCREDENTIAL_INVALIDを返す。
func (c *Client) FetchEvents(ctx context.Context, accessToken string, lookAheadDays int) ([]model.Event, error) {
	now := time.Now().UTC()
	timeMin := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	timeMax := timeMin.AddDate(0, 0, lookAheadDays)

	events, err := c.fetchRange(ctx, accessToken, timeMin, timeMax)
	if err == nil {
		return events, nil
	}

	if isAPIErrorCode(err, model.ErrCodeCredentialInvalid) {
		return nil, err
	}

	// 一時的な失敗は1回だけ再試行する
	c.logger.Warn("予定の取得に失敗したため再試行します", slog.String("error", err.Error()))
	return c.fetchRange(ctx, accessToken, timeMin, timeMax)
}

// fetchRange は指定期間の予定をページングしながら全件取得する。
func (c *Client) fetchRange(ctx context.Context, accessToken string, timeMin, timeMax time.Time) ([]model.Event, error) {
	var events []model.Event
	pageToken := ""

	for {
		page, nextToken, err := c.fetchPage(ctx, accessToken, timeMin, timeMax, pageToken)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)

		if nextToken == "" {
			break
		}
		pageToken = nextToken
	}

	// singleEvents+orderBy=startTimeで概ね整列済みだが、ページ境界をまたぐ場合に備える
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})

	return events, nil
}

// fetchPage は1ページ分の予定を取得する。
func (c *Client) fetchPage(ctx context.Context, accessToken string, timeMin, timeMax time.Time, pageToken string) ([]model.Event, string, error) {
	reqURL, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}

	q := reqURL.Query()
	q.Set("timeMin", timeMin.Format(time.RFC3339))
	q.Set("timeMax", timeMax.Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", fmt.Sprintf("%d", maxResultsPerRequest))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("カレンダーAPIの呼び出しに失敗しました", slog.String("error", err.Error()))
		return nil, "", model.NewTransientNetworkError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", model.NewTransientNetworkError(fmt.Sprintf("レスポンスボディの読み取りに失敗しました: %v", err))
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.logger.Warn("カレンダーAPIが認可エラーを返しました", slog.Int("http_status", resp.StatusCode))
		return nil, "", model.NewCredentialInvalidError("")
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("カレンダーAPIがエラーステータスを返しました", slog.Int("http_status", resp.StatusCode))
		return nil, "", model.NewTransientNetworkError(fmt.Sprintf("カレンダーAPIがステータス %d を返しました", resp.StatusCode))
	}

	var result eventsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, "", fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	events := make([]model.Event, 0, len(result.Items))
	for _, item := range result.Items {
		if item.Status == "cancelled" {
			continue
		}
		event, err := convertEvent(item)
		if err != nil {
			c.logger.Warn("予定の変換に失敗したためスキップします",
				slog.String("summary", item.Summary),
				slog.String("error", err.Error()),
			)
			continue
		}
		events = append(events, event)
	}

	return events, result.NextPageToken, nil
}

// convertEvent はAPIレスポンスの項目を内部表現に変換する。
func convertEvent(item eventItem) (model.Event, error) {
	title := item.Summary
	if title == "" {
		title = "（無題）"
	}

	start, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return model.Event{}, fmt.Errorf("開始時刻のパースに失敗しました: %w", err)
	}
	end, _, err := parseEventTime(item.End)
	if err != nil {
		return model.Event{}, fmt.Errorf("終了時刻のパースに失敗しました: %w", err)
	}

	return model.Event{
		Title:       title,
		Start:       start,
		End:         end,
		AllDay:      allDay,
		Location:    item.Location,
		Description: item.Description,
	}, nil
}

// parseEventTime はdate（終日）またはdateTime（時刻付き）をパースする。
func parseEventTime(et eventTime) (time.Time, bool, error) {
	if et.Date != "" {
		t, err := time.Parse("2006-01-02", et.Date)
		return t, true, err
	}
	t, err := time.Parse(time.RFC3339, et.DateTime)
	return t, false, err
}

// isAPIErrorCode はエラーが指定コードのAPIErrorかを判定する。
func isAPIErrorCode(err error, code string) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// compile-time interface check
var _ Fetcher = (*Client)(nil)
