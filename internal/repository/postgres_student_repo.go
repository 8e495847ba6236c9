package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/campusgate/internal/model"
)

// PostgresStudentRepo はPostgreSQLを使用した学生登録簿リポジトリ。
type PostgresStudentRepo struct {
	db *sql.DB
}

// NewPostgresStudentRepo はPostgresStudentRepoを生成する。
func NewPostgresStudentRepo(db *sql.DB) *PostgresStudentRepo {
	return &PostgresStudentRepo{db: db}
}

// SaveProfile は氏名・クラスを登録簿に反映する。行がなければ作る。
func (r *PostgresStudentRepo) SaveProfile(ctx context.Context, studentID, name, className string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO students (student_id, name, class_name, last_active_at, created_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (student_id) DO UPDATE SET
		     name = EXCLUDED.name,
		     class_name = EXCLUDED.class_name,
		     last_active_at = EXCLUDED.last_active_at`,
		studentID, name, className, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save student profile: %w", err)
	}
	return nil
}

// Touch はlast_active_atのみを更新する。
func (r *PostgresStudentRepo) Touch(ctx context.Context, studentID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE students SET last_active_at = $2 WHERE student_id = $1`,
		studentID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to touch student: %w", err)
	}
	return nil
}

// FindByID は指定学籍番号の行を取得する。見つからない場合はnilを返す。
func (r *PostgresStudentRepo) FindByID(ctx context.Context, studentID string) (*model.Student, error) {
	s := &model.Student{}
	err := r.db.QueryRowContext(ctx,
		`SELECT student_id, name, class_name, last_active_at, created_at
		 FROM students
		 WHERE student_id = $1`,
		studentID,
	).Scan(&s.StudentID, &s.Name, &s.ClassName, &s.LastActiveAt, &s.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find student: %w", err)
	}
	return s, nil
}

// compile-time interface check
var _ StudentRepository = (*PostgresStudentRepo)(nil)
