package parser

import (
	"bytes"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/campusgate/internal/model"
)

// summaryPattern は成績ページ冒頭の集計行を抜き出す。
var summaryPattern = regexp.MustCompile(
	`所修门数[:：]\s*([\d.]+).*?所修总学分[:：]\s*([\d.]+).*?平均学分绩点[:：]\s*([\d.]+).*?平均成绩[:：]\s*([\d.]+)`)

var whitespacePattern = regexp.MustCompile(`\s+`)

// passKeywords / failKeywords は数値でない成績表記の合否判定語。
var (
	passKeywords = []string{"及格", "合格", "中", "良", "优", "通过"}
	failKeywords = []string{"不及格", "未通过", "不通过", "重修", "挂"}
)

// ParseGrades は成績一覧ページのHTMLを解析する。
//
// ログインページ検出時と、行も集計も全く得られなかった場合は
// model.ErrSessionExpiredを返す（教務システムは失効時も200で
// 別ページを返すため、空は失効とみなして再ログインを促す）。
func ParseGrades(html []byte, logger *slog.Logger) (*model.GradeList, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(html) == 0 {
		return nil, nil
	}
	if Classify(html) == ClassExpired {
		return nil, fmt.Errorf("grades page is a login form: %w", model.ErrSessionExpired)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse grades html: %w", err)
	}

	items := []model.GradeItem{}
	doc.Find("#dataList tr").Slice(1, goquery.ToEnd).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 10 {
			return
		}
		text := func(idx int) string {
			return normalizeText(cells.Eq(idx).Text())
		}

		scoreText := text(5)
		score := toNumber(scoreText)
		item := model.GradeItem{
			Term:            text(1),
			CourseCode:      text(2),
			CourseName:      text(3),
			GroupName:       text(4),
			Score:           score,
			ScoreText:       scoreText,
			Pass:            detectPass(score, scoreText),
			Flag:            text(6),
			Credit:          toNumber(text(7)),
			TotalHours:      toNumber(text(8)),
			GPA:             toNumber(text(9)),
			RetakeTerm:      text(10),
			ExamMethod:      text(11),
			CourseAttribute: text(13),
		}
		// 空白行は読み飛ばす
		if item.CourseCode != "" || item.CourseName != "" {
			items = append(items, item)
		}
	})

	summary := extractSummary(doc)
	if len(items) == 0 && summary.TotalCourses == nil && summary.TotalCredits == nil {
		logger.Warn("成績の解析結果が空、セッション失効の可能性")
		return nil, fmt.Errorf("grades page yielded no rows: %w", model.ErrSessionExpired)
	}

	logger.Debug("成績の解析完了", slog.Int("count", len(items)))
	return &model.GradeList{Summary: summary, Items: items}, nil
}

func normalizeText(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// toNumber は数値表記のみ*float64へ変換し、それ以外はnilを返す。
func toNumber(s string) *float64 {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &n
}

// detectPass は分数または文字成績から合否を推定する。
// どちらとも取れない場合はnil。
func detectPass(score *float64, text string) *bool {
	result := func(v bool) *bool { return &v }
	if score != nil {
		return result(*score >= 60)
	}
	if text == "" {
		return nil
	}
	for _, k := range failKeywords {
		if strings.Contains(text, k) {
			return result(false)
		}
	}
	for _, k := range passKeywords {
		if strings.Contains(text, k) {
			return result(true)
		}
	}
	return nil
}

// extractSummary はページ全文から集計値を拾う。見つからなければ全nil。
func extractSummary(doc *goquery.Document) model.GradeSummary {
	text := whitespacePattern.ReplaceAllString(doc.Find("body").Text(), " ")
	m := summaryPattern.FindStringSubmatch(text)
	if m == nil {
		return model.GradeSummary{}
	}
	return model.GradeSummary{
		TotalCourses: toNumber(m[1]),
		TotalCredits: toNumber(m[2]),
		AverageGPA:   toNumber(m[3]),
		AverageScore: toNumber(m[4]),
	}
}
