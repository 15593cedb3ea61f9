package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"issueline/internal/config"
	"issueline/internal/domain"
)

// Store owns all persisted issue state. The engine always operates on a
// freshly fetched copy and writes the whole document back via ReplaceIssue.
type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

func (s Store) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO projects(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (s Store) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT id,name,status,description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (s Store) SingleProject(ctx context.Context) (domain.Project, error) {
	items, err := s.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(items) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return items[0], nil
}

func (s Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, s.DB, nil, projectID, cfg)
}

func (s Store) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (s Store) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- states ---

func (s Store) InsertStateTx(ctx context.Context, tx *sql.Tx, st domain.State) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO states(id,project_id,name,phase,user_defined) VALUES (?,?,?,?,?)`,
		st.ID, st.ProjectID, st.Name, string(st.Phase), boolInt(st.UserDefined))
	return err
}

// SeedStatesTx inserts the fixed system catalogue plus the config's
// user-defined states for a project. State ids are deterministic per project.
func (s Store) SeedStatesTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	system := config.SystemStates()
	names := make([]string, 0, len(system))
	for name := range system {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := domain.State{
			ID:        StateID(projectID, name),
			ProjectID: projectID,
			Name:      name,
			Phase:     system[name],
		}
		if err := s.InsertStateTx(ctx, tx, st); err != nil {
			return fmt.Errorf("seed state %s: %w", name, err)
		}
	}
	if cfg == nil {
		return nil
	}
	for phase, userNames := range cfg.States.UserDefined {
		for _, name := range userNames {
			st := domain.State{
				ID:          StateID(projectID, name),
				ProjectID:   projectID,
				Name:        name,
				Phase:       domain.Phase(phase),
				UserDefined: true,
			}
			if err := s.InsertStateTx(ctx, tx, st); err != nil {
				return fmt.Errorf("seed state %s: %w", name, err)
			}
		}
	}
	return nil
}

// StateID builds the deterministic id used for seeded states.
func StateID(projectID, name string) string {
	return projectID + "/" + strings.ToLower(name)
}

func scanState(row *sql.Row) (domain.State, error) {
	var st domain.State
	var phase string
	var userDefined int
	err := row.Scan(&st.ID, &st.ProjectID, &st.Name, &phase, &userDefined)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	st.Phase = domain.Phase(phase)
	st.UserDefined = userDefined != 0
	return st, nil
}

func (s Store) GetState(ctx context.Context, id string) (domain.State, error) {
	return scanState(s.DB.QueryRowContext(ctx, `SELECT id,project_id,name,phase,user_defined FROM states WHERE id=?`, id))
}

func (s Store) StateByName(ctx context.Context, projectID, name string) (domain.State, error) {
	return scanState(s.DB.QueryRowContext(ctx, `SELECT id,project_id,name,phase,user_defined FROM states WHERE project_id=? AND name=?`, projectID, name))
}

func (s Store) ListProjectStates(ctx context.Context, projectID string) ([]domain.State, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,project_id,name,phase,user_defined FROM states WHERE project_id=? ORDER BY phase, name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.State
	for rows.Next() {
		var st domain.State
		var phase string
		var userDefined int
		if err := rows.Scan(&st.ID, &st.ProjectID, &st.Name, &phase, &userDefined); err != nil {
			return nil, err
		}
		st.Phase = domain.Phase(phase)
		st.UserDefined = userDefined != 0
		res = append(res, st)
	}
	return res, rows.Err()
}

// --- issues ---

const issueColumns = `id,project_id,state_id,parent_id,name,type,start_date,end_date,estimate,progress,requirements,visibility,priority,author_id,client_id,created_at,updated_at`

func (s Store) InsertIssueTx(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.ProjectID, i.StateID, nullableStringPtr(i.ParentID), i.Name, i.Type,
		nullableStringPtr(i.StartDate), nullableStringPtr(i.EndDate), i.Estimate, i.Progress,
		boolInt(i.Requirements), nullable(i.Visibility), nullableIntPtr(i.Priority),
		i.AuthorID, nullableStringPtr(i.ClientID), i.CreatedAt, i.UpdatedAt)
	if err != nil {
		return err
	}
	if err := replaceOrderings(ctx, tx, i.ID, i.Predecessors); err != nil {
		return err
	}
	return replaceAssignees(ctx, tx, i.ID, i.AssigneeIDs)
}

// ReplaceIssue writes the whole document back: the issue row plus its
// predecessor and assignee sets. Children and successors are derived from the
// other side of each relation and are not written here.
func (s Store) ReplaceIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET state_id=?, parent_id=?, name=?, type=?, start_date=?, end_date=?, estimate=?, progress=?, requirements=?, visibility=?, priority=?, author_id=?, client_id=?, updated_at=? WHERE id=?`,
		i.StateID, nullableStringPtr(i.ParentID), i.Name, i.Type,
		nullableStringPtr(i.StartDate), nullableStringPtr(i.EndDate), i.Estimate, i.Progress,
		boolInt(i.Requirements), nullable(i.Visibility), nullableIntPtr(i.Priority),
		i.AuthorID, nullableStringPtr(i.ClientID), i.UpdatedAt, i.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := replaceOrderings(ctx, tx, i.ID, i.Predecessors); err != nil {
		return err
	}
	return replaceAssignees(ctx, tx, i.ID, i.AssigneeIDs)
}

func replaceOrderings(ctx context.Context, tx *sql.Tx, successorID string, predecessors []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM issue_orderings WHERE successor_id=?`, successorID); err != nil {
		return err
	}
	for _, p := range predecessors {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO issue_orderings(successor_id,predecessor_id) VALUES (?,?)`, successorID, p); err != nil {
			return err
		}
	}
	return nil
}

func replaceAssignees(ctx context.Context, tx *sql.Tx, issueID string, userIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM issue_assignees WHERE issue_id=?`, issueID); err != nil {
		return err
	}
	for _, u := range userIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO issue_assignees(issue_id,user_id) VALUES (?,?)`, issueID, u); err != nil {
			return err
		}
	}
	return nil
}

func scanIssueRow(scan func(dest ...any) error) (domain.Issue, error) {
	var i domain.Issue
	var parentID, startDate, endDate, visibility, clientID sql.NullString
	var priority sql.NullInt64
	var requirements int
	err := scan(&i.ID, &i.ProjectID, &i.StateID, &parentID, &i.Name, &i.Type,
		&startDate, &endDate, &i.Estimate, &i.Progress, &requirements,
		&visibility, &priority, &i.AuthorID, &clientID, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return i, err
	}
	if parentID.Valid {
		i.ParentID = &parentID.String
	}
	if startDate.Valid {
		i.StartDate = &startDate.String
	}
	if endDate.Valid {
		i.EndDate = &endDate.String
	}
	if visibility.Valid {
		i.Visibility = visibility.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		i.Priority = &p
	}
	if clientID.Valid {
		i.ClientID = &clientID.String
	}
	i.Requirements = requirements != 0
	return i, nil
}

// GetIssue fetches one issue with its relation sets hydrated.
func (s Store) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	i, err := scanIssueRow(row.Scan)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	return s.hydrateRelations(ctx, i)
}

func (s Store) hydrateRelations(ctx context.Context, i domain.Issue) (domain.Issue, error) {
	var err error
	if i.Children, err = s.stringColumn(ctx, `SELECT id FROM issues WHERE parent_id=? ORDER BY id`, i.ID); err != nil {
		return i, err
	}
	if i.Predecessors, err = s.stringColumn(ctx, `SELECT predecessor_id FROM issue_orderings WHERE successor_id=? ORDER BY predecessor_id`, i.ID); err != nil {
		return i, err
	}
	if i.Successors, err = s.stringColumn(ctx, `SELECT successor_id FROM issue_orderings WHERE predecessor_id=? ORDER BY successor_id`, i.ID); err != nil {
		return i, err
	}
	if i.AssigneeIDs, err = s.stringColumn(ctx, `SELECT user_id FROM issue_assignees WHERE issue_id=? ORDER BY user_id`, i.ID); err != nil {
		return i, err
	}
	return i, nil
}

func (s Store) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// ListProjectIssues returns every issue in a project with relation sets
// hydrated; validation passes build their id lookup from this.
func (s Store) ListProjectIssues(ctx context.Context, projectID string) ([]domain.Issue, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	var issues []domain.Issue
	for rows.Next() {
		i, err := scanIssueRow(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		issues = append(issues, i)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for idx := range issues {
		if issues[idx], err = s.hydrateRelations(ctx, issues[idx]); err != nil {
			return nil, err
		}
	}
	return issues, nil
}

func (s Store) DeleteIssue(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM issues WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- messages ---

func (s Store) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	exec := s.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO messages(id,project_id,issue_id,recipient_id,kind,text,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, nullable(m.IssueID), m.RecipientID, m.Kind, nullable(m.Text), m.CreatedAt)
	return err
}

type MessageFilters struct {
	ProjectID   string
	IssueID     string
	RecipientID string
	Kind        string
	Limit       int
}

func (s Store) ListMessages(ctx context.Context, f MessageFilters) ([]domain.Message, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.IssueID != "" {
		clauses = append(clauses, "issue_id=?")
		args = append(args, f.IssueID)
	}
	if f.RecipientID != "" {
		clauses = append(clauses, "recipient_id=?")
		args = append(args, f.RecipientID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,project_id,COALESCE(issue_id,''),recipient_id,kind,COALESCE(text,''),created_at FROM messages ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.IssueID, &m.RecipientID, &m.Kind, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- events ---

func (s Store) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projID, entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projID, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projID.Valid {
			e.ProjectID = projID.String
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
