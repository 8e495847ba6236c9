package model

// ArtifactType はキャッシュ対象データの種別を表す。
type ArtifactType string

const (
	// ArtifactSchedule は教務システムの週間時間割。
	ArtifactSchedule ArtifactType = "SCHEDULE"
	// ArtifactECard は一卡通（キャンパスカード）残高。
	ArtifactECard ArtifactType = "ECARD"
	// ArtifactProfile はポータルの個人情報。
	ArtifactProfile ArtifactType = "USER_INFO"
	// ArtifactGrades は教務システムの成績一覧。
	ArtifactGrades ArtifactType = "GRADES"
)

// DataSource は取得データの出所を表す。
type DataSource string

const (
	// SourceCache はキャッシュヒットで返したことを示す。
	SourceCache DataSource = "cache"
	// SourceNetwork は上流から取得して返したことを示す。
	SourceNetwork DataSource = "network"
)

// Course は時間割上の1コマを表す。
type Course struct {
	Name     string `json:"name"`
	Teacher  string `json:"teacher"`
	Location string `json:"location"`
	Day      int    `json:"day"`     // 曜日 1=月〜7=日
	Section  string `json:"section"` // 時限ラベル
	WeekStr  string `json:"weekStr,omitempty"`
}

// Schedule は週次時間割の解析結果を表す。
type Schedule struct {
	Week    string   `json:"week"`
	Courses []Course `json:"courses"`
}

// ECard は一卡通残高の解析結果を表す。
type ECard struct {
	Balance  float64 `json:"balance"`
	Status   string  `json:"status"`
	LastTime string  `json:"lastTime"`
}

// Profile はポータル個人情報の解析結果を表す。
type Profile struct {
	Name             string `json:"name"`
	StudentID        string `json:"studentId"`
	ClassName        string `json:"className"`
	Identity         string `json:"identity"`
	OrganizationCode string `json:"organizationCode"`
}

// GradeItem は成績一覧の1行を表す。
type GradeItem struct {
	Term            string   `json:"term"`
	CourseCode      string   `json:"courseCode"`
	CourseName      string   `json:"courseName"`
	GroupName       string   `json:"groupName"`
	Score           *float64 `json:"score"`
	ScoreText       string   `json:"scoreText"`
	Pass            *bool    `json:"pass"`
	Flag            string   `json:"flag"`
	Credit          *float64 `json:"credit"`
	TotalHours      *float64 `json:"totalHours"`
	GPA             *float64 `json:"gpa"`
	RetakeTerm      string   `json:"retakeTerm"`
	ExamMethod      string   `json:"examMethod"`
	CourseAttribute string   `json:"courseAttribute"`
}

// GradeSummary は成績ページ冒頭の集計値を表す。
type GradeSummary struct {
	TotalCourses *float64 `json:"totalCourses"`
	TotalCredits *float64 `json:"totalCredits"`
	AverageGPA   *float64 `json:"averageGpa"`
	AverageScore *float64 `json:"averageScore"`
}

// GradeList は成績一覧の解析結果を表す。
type GradeList struct {
	Summary GradeSummary `json:"summary"`
	Items   []GradeItem  `json:"items"`
}
