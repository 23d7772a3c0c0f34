package summary

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/agendamail/internal/model"
)

// weekdayLabels は日付見出しに使う曜日表記。
var weekdayLabels = [7]string{"日", "月", "火", "水", "木", "金", "土"}

// RenderEmpty は予定が1件もない場合の固定HTMLを返す。
func RenderEmpty(userName string, lookAheadDays int) string {
	var b strings.Builder
	b.WriteString("<html><body>\n")
	b.WriteString(greetingLine(userName))
	b.WriteString(fmt.Sprintf("<h2>今後%d日間の予定</h2>\n", lookAheadDays))
	b.WriteString("<p>この期間に登録されている予定はありません。</p>\n")
	b.WriteString("</body></html>")
	return b.String()
}

// RenderFallback は予定一覧から決定的なHTMLを生成する。
// 生成AIが利用できない場合でも常に同じ入力から同じ出力が得られる。
func RenderFallback(events []model.Event, userName string, lookAheadDays int, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}

	grouped := groupByDate(events, loc)
	dates := make([]string, 0, len(grouped))
	for date := range grouped {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	var b strings.Builder
	b.WriteString("<html><body>\n")
	b.WriteString(greetingLine(userName))
	b.WriteString(fmt.Sprintf("<h2>今後%d日間の予定</h2>\n", lookAheadDays))

	for _, date := range dates {
		dayEvents := grouped[date]
		b.WriteString(fmt.Sprintf("<h3>%s</h3>\n", html.EscapeString(formatDateHeading(dayEvents[0].Start.In(loc)))))
		b.WriteString("<ul>\n")
		for _, event := range dayEvents {
			b.WriteString("<li>")
			b.WriteString(fmt.Sprintf("<strong>%s</strong> %s", html.EscapeString(formatTimeRange(event, loc)), html.EscapeString(event.Title)))
			if event.Location != "" {
				b.WriteString(fmt.Sprintf("（%s）", html.EscapeString(event.Location)))
			}
			b.WriteString("</li>\n")
		}
		b.WriteString("</ul>\n")
	}

	b.WriteString("</body></html>")
	return b.String()
}

// greetingLine は本文冒頭の挨拶を返す。受信者名が空の場合は宛名を省く。
func greetingLine(userName string) string {
	if userName == "" {
		return "<p>おはようございます。</p>\n"
	}
	return fmt.Sprintf("<p>%sさん、おはようございます。</p>\n", html.EscapeString(userName))
}

// groupByDate は予定を日付（YYYY-MM-DD）ごとにまとめる。各日の予定は開始時刻順。
func groupByDate(events []model.Event, loc *time.Location) map[string][]model.Event {
	grouped := make(map[string][]model.Event)
	for _, event := range events {
		key := event.Start.In(loc).Format("2006-01-02")
		grouped[key] = append(grouped[key], event)
	}
	for _, dayEvents := range grouped {
		sort.SliceStable(dayEvents, func(i, j int) bool {
			return dayEvents[i].Start.Before(dayEvents[j].Start)
		})
	}
	return grouped
}

// formatDateHeading は「9月1日（月）」形式の日付見出しを返す。
func formatDateHeading(t time.Time) string {
	return fmt.Sprintf("%d月%d日（%s）", int(t.Month()), t.Day(), weekdayLabels[t.Weekday()])
}

// formatTimeRange は予定の時間帯表記を返す。終日予定は「終日」。
func formatTimeRange(event model.Event, loc *time.Location) string {
	if event.AllDay {
		return "終日"
	}
	start := event.Start.In(loc)
	end := event.End.In(loc)
	return formatClock(start) + " - " + formatClock(end)
}

// formatClock は12時間表記の時刻を返す。
func formatClock(t time.Time) string {
	return t.Format("3:04 PM")
}
