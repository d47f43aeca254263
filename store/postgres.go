package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// Postgres is the production Store backend. It issues parameterized
// queries through database/sql. Each method commits on its own: most run
// a single statement, and SetBaseTip and CreateJob use their own
// transaction. No transaction spans several Store calls, so the writes of
// one HTTP request or worker message are not committed as one unit.
// Migrations are forward-only SQL applied once at Open.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to dsn (DB_URI) and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	p := &Postgres{db: db}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return p, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// migrations is forward-only: every entry after the first runs at most
// once, tracked by the schema_migrations table; the first creates that
// table itself and runs, idempotently, on every Open. Never edit a past
// entry; append a new one.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (version INT PRIMARY KEY)`,

	`CREATE TABLE IF NOT EXISTS projects (
		id BIGSERIAL PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		base_tip TEXT NOT NULL DEFAULT '',
		publish_status BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (owner, name)
	)`,

	`CREATE TABLE IF NOT EXISTS pull_requests (
		project_id BIGINT NOT NULL REFERENCES projects(id),
		number INT NOT NULL,
		head TEXT NOT NULL,
		merge_head TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		is_open BOOLEAN NOT NULL DEFAULT TRUE,
		ahead INT,
		behind INT,
		is_mergeable BOOLEAN,
		PRIMARY KEY (project_id, number)
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,

	`CREATE TABLE IF NOT EXISTS job_projects (
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		parameter_name TEXT NOT NULL DEFAULT '',
		ord INT NOT NULL,
		PRIMARY KEY (job_id, project_id)
	)`,

	`CREATE TABLE IF NOT EXISTS builds (
		id BIGSERIAL PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		build_number INT NOT NULL,
		success BOOLEAN,
		status TEXT NOT NULL DEFAULT '',
		UNIQUE (job_id, build_number)
	)`,

	`CREATE TABLE IF NOT EXISTS build_shas (
		build_id BIGINT NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
		project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		sha TEXT NOT NULL,
		PRIMARY KEY (build_id, project_id)
	)`,
}

func (p *Postgres) migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, migrations[0]); err != nil {
		return err
	}
	for version := 1; version < len(migrations); version++ {
		var exists bool
		err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[version]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) UpsertProject(ctx context.Context, owner, name string) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO projects (owner, name) VALUES ($1, $2)
		ON CONFLICT (owner, name) DO UPDATE SET owner = EXCLUDED.owner
		RETURNING id
	`, owner, name).Scan(&id)
	return id, err
}

func (p *Postgres) GetProject(ctx context.Context, owner, name string) (Project, error) {
	var pr Project
	var baseTip sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner, name, base_tip, publish_status FROM projects WHERE owner = $1 AND name = $2
	`, owner, name).Scan(&pr.ID, &pr.Owner, &pr.Name, &baseTip, &pr.PublishStatus)
	if err == sql.ErrNoRows {
		return Project{}, &ErrUnknownProject{Owner: owner, Name: name}
	}
	if err != nil {
		return Project{}, err
	}
	pr.BaseTip = baseTip.String
	return pr, nil
}

func (p *Postgres) GetProjectByID(ctx context.Context, id int64) (Project, error) {
	var pr Project
	var baseTip sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner, name, base_tip, publish_status FROM projects WHERE id = $1
	`, id).Scan(&pr.ID, &pr.Owner, &pr.Name, &baseTip, &pr.PublishStatus)
	if err == sql.ErrNoRows {
		return Project{}, &ErrUnknownProject{}
	}
	if err != nil {
		return Project{}, err
	}
	pr.BaseTip = baseTip.String
	return pr, nil
}

func (p *Postgres) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, owner, name, base_tip, publish_status FROM projects ORDER BY owner, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		var pr Project
		var baseTip sql.NullString
		if err := rows.Scan(&pr.ID, &pr.Owner, &pr.Name, &baseTip, &pr.PublishStatus); err != nil {
			return nil, err
		}
		pr.BaseTip = baseTip.String
		out = append(out, pr)
	}
	return out, rows.Err()
}

// SetBaseTip updates base_tip inside one transaction, reading the prior
// value under FOR UPDATE so the returned "changed" bool is race-free
// against a concurrent push.
func (p *Postgres) SetBaseTip(ctx context.Context, owner, name, sha string) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var prior string
	err = tx.QueryRowContext(ctx, `SELECT base_tip FROM projects WHERE owner = $1 AND name = $2 FOR UPDATE`, owner, name).Scan(&prior)
	if err == sql.ErrNoRows {
		return false, &ErrUnknownProject{Owner: owner, Name: name}
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET base_tip = $3 WHERE owner = $1 AND name = $2`, owner, name, sha); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return prior != sha, nil
}

func (p *Postgres) UpsertPullRequest(ctx context.Context, pr PullRequest, resetMergeHead bool) error {
	query := `
		INSERT INTO pull_requests (project_id, number, head, merge_head, author, title, is_open)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, number) DO UPDATE SET
			head = EXCLUDED.head,
			author = EXCLUDED.author,
			title = EXCLUDED.title,
			is_open = EXCLUDED.is_open`
	mergeHead := pr.MergeHead
	if resetMergeHead {
		mergeHead = ""
		query += `, merge_head = ''`
	}
	_, err := p.db.ExecContext(ctx, query, pr.ProjectID, pr.Number, pr.Head, mergeHead, pr.Author, pr.Title, pr.IsOpen)
	return err
}

func (p *Postgres) GetPullRequest(ctx context.Context, projectID int64, number int) (PullRequest, error) {
	return p.scanPullRequest(p.db.QueryRowContext(ctx, `
		SELECT project_id, number, head, merge_head, author, title, is_open, ahead, behind, is_mergeable
		FROM pull_requests WHERE project_id = $1 AND number = $2
	`, projectID, number))
}

func (p *Postgres) scanPullRequest(row *sql.Row) (PullRequest, error) {
	var pr PullRequest
	var ahead, behind sql.NullInt64
	var mergeable sql.NullBool
	err := row.Scan(&pr.ProjectID, &pr.Number, &pr.Head, &pr.MergeHead, &pr.Author, &pr.Title, &pr.IsOpen, &ahead, &behind, &mergeable)
	if err == sql.ErrNoRows {
		return PullRequest{}, &ErrUnknownProject{}
	}
	if err != nil {
		return PullRequest{}, err
	}
	if ahead.Valid {
		pr.Ahead = Int(int(ahead.Int64))
	}
	if behind.Valid {
		pr.Behind = Int(int(behind.Int64))
	}
	if mergeable.Valid {
		pr.Mergeable = Bool(mergeable.Bool)
	}
	return pr, nil
}

func (p *Postgres) listPullRequests(ctx context.Context, whereClause string, args ...interface{}) ([]PullRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT project_id, number, head, merge_head, author, title, is_open, ahead, behind, is_mergeable
		FROM pull_requests `+whereClause+` ORDER BY project_id, number
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PullRequest
	for rows.Next() {
		var pr PullRequest
		var ahead, behind sql.NullInt64
		var mergeable sql.NullBool
		if err := rows.Scan(&pr.ProjectID, &pr.Number, &pr.Head, &pr.MergeHead, &pr.Author, &pr.Title, &pr.IsOpen, &ahead, &behind, &mergeable); err != nil {
			return nil, err
		}
		if ahead.Valid {
			pr.Ahead = Int(int(ahead.Int64))
		}
		if behind.Valid {
			pr.Behind = Int(int(behind.Int64))
		}
		if mergeable.Valid {
			pr.Mergeable = Bool(mergeable.Bool)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *Postgres) ListOpenPullRequests(ctx context.Context, projectID int64) ([]PullRequest, error) {
	return p.listPullRequests(ctx, `WHERE project_id = $1 AND is_open`, projectID)
}

func (p *Postgres) ListAllOpenPullRequests(ctx context.Context) ([]PullRequest, error) {
	return p.listPullRequests(ctx, `WHERE is_open`)
}

func (p *Postgres) ResetRelativeState(ctx context.Context, projectID int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE pull_requests SET ahead = NULL, behind = NULL, is_mergeable = NULL, merge_head = ''
		WHERE project_id = $1 AND is_open
	`, projectID)
	return err
}

func (p *Postgres) SetRelativeState(ctx context.Context, projectID int64, number int, ahead, behind NullInt, mergeable NullBool, mergeHead string) error {
	var aheadArg, behindArg interface{}
	var mergeableArg interface{}
	if ahead.Valid {
		aheadArg = ahead.Int
	}
	if behind.Valid {
		behindArg = behind.Int
	}
	if mergeable.Valid {
		mergeableArg = mergeable.Bool
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE pull_requests SET ahead = $3, behind = $4, is_mergeable = $5, merge_head = $6
		WHERE project_id = $1 AND number = $2
	`, projectID, number, aheadArg, behindArg, mergeableArg, mergeHead)
	return err
}

func (p *Postgres) CreateJob(ctx context.Context, id, name string, projects []JobProject) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO jobs (id, name) VALUES ($1, $2)`, id, name); err != nil {
		return err
	}
	for i, jp := range projects {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_projects (job_id, project_id, parameter_name, ord) VALUES ($1, $2, $3, $4)
		`, id, jp.ProjectID, jp.ParameterName, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) loadJobProjects(ctx context.Context, jobID string) ([]JobProject, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT project_id, parameter_name FROM job_projects WHERE job_id = $1 ORDER BY ord
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobProject
	for rows.Next() {
		var jp JobProject
		if err := rows.Scan(&jp.ProjectID, &jp.ParameterName); err != nil {
			return nil, err
		}
		out = append(out, jp)
	}
	return out, rows.Err()
}

func (p *Postgres) GetJob(ctx context.Context, name string) (Job, error) {
	var j Job
	err := p.db.QueryRowContext(ctx, `SELECT id, name FROM jobs WHERE name = $1`, name).Scan(&j.ID, &j.Name)
	if err == sql.ErrNoRows {
		return Job{}, &ErrUnknownJob{Name: name}
	}
	if err != nil {
		return Job{}, err
	}
	j.Projects, err = p.loadJobProjects(ctx, j.ID)
	return j, err
}

func (p *Postgres) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name FROM jobs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Name); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range jobs {
		projects, err := p.loadJobProjects(ctx, jobs[i].ID)
		if err != nil {
			return nil, err
		}
		jobs[i].Projects = projects
	}
	return jobs, nil
}

func (p *Postgres) JobsForProject(ctx context.Context, projectID int64) ([]Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT j.id, j.name FROM jobs j
		JOIN job_projects jp ON jp.job_id = j.id
		WHERE jp.project_id = $1
		ORDER BY j.name
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Name); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range jobs {
		projects, err := p.loadJobProjects(ctx, jobs[i].ID)
		if err != nil {
			return nil, err
		}
		jobs[i].Projects = projects
	}
	return jobs, nil
}

func (p *Postgres) GetOrCreateBuild(ctx context.Context, jobName string, buildNumber int) (Build, error) {
	var jobID string
	if err := p.db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE name = $1`, jobName).Scan(&jobID); err != nil {
		if err == sql.ErrNoRows {
			return Build{}, &ErrUnknownJob{Name: jobName}
		}
		return Build{}, err
	}

	var b Build
	var success sql.NullBool
	err := p.db.QueryRowContext(ctx, `
		SELECT id, job_id, build_number, success, status FROM builds WHERE job_id = $1 AND build_number = $2
	`, jobID, buildNumber).Scan(&b.ID, &b.JobID, &b.BuildNumber, &success, &b.Status)
	if err == nil {
		if success.Valid {
			b.Success = Bool(success.Bool)
		}
		return b, nil
	}
	if err != sql.ErrNoRows {
		return Build{}, err
	}

	err = p.db.QueryRowContext(ctx, `
		INSERT INTO builds (job_id, build_number) VALUES ($1, $2)
		ON CONFLICT (job_id, build_number) DO UPDATE SET job_id = EXCLUDED.job_id
		RETURNING id, job_id, build_number, status
	`, jobID, buildNumber).Scan(&b.ID, &b.JobID, &b.BuildNumber, &b.Status)
	return b, err
}

func (p *Postgres) UpsertBuildSha(ctx context.Context, buildID, projectID int64, sha string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO build_shas (build_id, project_id, sha) VALUES ($1, $2, $3)
		ON CONFLICT (build_id, project_id) DO UPDATE SET sha = EXCLUDED.sha
	`, buildID, projectID, sha)
	return err
}

func (p *Postgres) RecordBuildResult(ctx context.Context, buildID int64, success bool, status string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE builds SET success = $2, status = $3 WHERE id = $1`, buildID, success, status)
	return err
}

// BuildTuplesForJob issues exactly one query: Build LEFT JOIN'd against one
// aliased, project-filtered projection of build_shas per project in the
// job, per spec.md §4.G's query-budget contract. Query count therefore
// does not grow with the number of builds or pull requests.
func (p *Postgres) BuildTuplesForJob(ctx context.Context, job Job) ([]BuildTupleRow, error) {
	if len(job.Projects) == 0 {
		return nil, nil
	}

	var sel, joins, nonNull []string
	args := make([]interface{}, 0, len(job.Projects)+1)
	for i, jp := range job.Projects {
		alias := fmt.Sprintf("bs%d", i)
		sel = append(sel, fmt.Sprintf("%s.sha AS sha%d", alias, i))
		joins = append(joins, fmt.Sprintf(
			"LEFT JOIN build_shas %s ON %s.build_id = b.id AND %s.project_id = $%d",
			alias, alias, alias, len(args)+1,
		))
		args = append(args, jp.ProjectID)
		nonNull = append(nonNull, fmt.Sprintf("%s.sha IS NOT NULL", alias))
	}
	args = append(args, job.ID)

	query := fmt.Sprintf(`
		SELECT b.build_number, b.success, %s
		FROM builds b
		%s
		WHERE b.job_id = $%d AND (%s)
		ORDER BY b.build_number
	`, strings.Join(sel, ", "), strings.Join(joins, "\n"), len(args), strings.Join(nonNull, " OR "))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BuildTupleRow
	for rows.Next() {
		var row BuildTupleRow
		var success sql.NullBool
		shaPtrs := make([]sql.NullString, len(job.Projects))
		dest := make([]interface{}, 0, len(job.Projects)+2)
		dest = append(dest, &row.BuildNumber, &success)
		for i := range shaPtrs {
			dest = append(dest, &shaPtrs[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if success.Valid {
			row.Success = Bool(success.Bool)
		}
		row.Shas = make([]string, len(shaPtrs))
		for i, s := range shaPtrs {
			row.Shas[i] = s.String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *Postgres) ShasForBuild(ctx context.Context, buildID int64) (map[int64]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT project_id, sha FROM build_shas WHERE build_id = $1`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]string{}
	for rows.Next() {
		var projectID int64
		var sha string
		if err := rows.Scan(&projectID, &sha); err != nil {
			return nil, err
		}
		out[projectID] = sha
	}
	return out, rows.Err()
}

var _ Store = (*Postgres)(nil)
