package parser

import (
	"bytes"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/campusgate/internal/model"
)

// weekLabelPattern はページ内スクリプトから週次ラベルを拾う。
// 表記ゆれ（タグ埋め込みと文字列リテラル）の両方に対応する。
var weekLabelPattern = regexp.MustCompile(`li_showWeek.*?>(.*?)<|li_showWeek.*?'(.*?)'`)

// titleSplitPattern はセルtitle属性を行単位に分割する。
var titleSplitPattern = regexp.MustCompile(`(?i)<br\s*/?>|\n`)

// scheduleFields はtitle属性の「ラベル：値」をCourseへ割り当てる
// 順序付き規則。先頭から順に照合する。
var scheduleFields = []struct {
	label  string
	assign func(*model.Course, string)
}{
	{"课程名称", func(c *model.Course, v string) { c.Name = v }},
	{"上课地点", func(c *model.Course, v string) { c.Location = v }},
	{"教师", func(c *model.Course, v string) { c.Teacher = v }},
	{"上课时间", func(c *model.Course, v string) { c.WeekStr = v }},
}

// stripPolicy はtitle属性に紛れ込むタグを除去する。
var stripPolicy = bluemonday.StrictPolicy()

// ParseSchedule は時間割ページのHTMLを解析する。
// ログインページが検出された場合はmodel.ErrSessionExpiredを返す。
func ParseSchedule(html []byte, logger *slog.Logger) (*model.Schedule, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if Classify(html) == ClassExpired {
		return nil, fmt.Errorf("schedule page is a login form: %w", model.ErrSessionExpired)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schedule html: %w", err)
	}

	week := "未知"
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		m := weekLabelPattern.FindStringSubmatch(s.Text())
		if m == nil {
			return true
		}
		if m[1] != "" {
			week = m[1]
		} else if m[2] != "" {
			week = m[2]
		}
		return false
	})

	courses := []model.Course{}
	rows := doc.Find("table.kb_table tbody tr")
	if rows.Length() == 0 {
		logger.Warn("時間割の表が見つからない")
	}

	rows.Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() == 0 {
			return
		}
		section, _, _ := strings.Cut(strings.TrimSpace(cells.Eq(0).Text()), " ")

		for day := 1; day <= 7; day++ {
			cells.Eq(day).Find("div.kb_content, p[title]").Each(func(_ int, item *goquery.Selection) {
				title, ok := item.Attr("title")
				if !ok || title == "" {
					return
				}
				course := parseCourseTitle(title)
				if course.Name == "" {
					return
				}
				course.Day = day
				course.Section = section
				courses = append(courses, course)
			})
		}
	})

	logger.Debug("時間割の解析完了",
		slog.String("week", week), slog.Int("count", len(courses)))
	return &model.Schedule{Week: week, Courses: courses}, nil
}

// parseCourseTitle はセルtitle属性の「ラベル：値」群をCourseへ写す。
func parseCourseTitle(title string) model.Course {
	var course model.Course
	for _, part := range titleSplitPattern.Split(title, -1) {
		part = strings.TrimSpace(stripPolicy.Sanitize(part))
		label, value, found := strings.Cut(part, "：")
		if !found {
			continue
		}
		label = strings.TrimSpace(label)
		value = strings.TrimSpace(value)
		for _, f := range scheduleFields {
			if f.label == label {
				f.assign(&course, value)
				break
			}
		}
	}
	return course
}
