package scylla

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"haven-service/internal/models"
)

// fakeSession understands exactly the statements UserRepository issues and
// keeps the tables in maps.
type fakeSession struct {
	mu     sync.Mutex
	users  map[string]map[string]interface{}
	byID   map[string]string
	claims map[string]map[string]string

	// fail, when set, can reject a statement before it runs.
	fail func(stmt string) error
	// before runs with the lock held, before a statement is applied.
	before func(f *fakeSession, stmt string)
	stmts  []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		users:  map[string]map[string]interface{}{},
		byID:   map[string]string{},
		claims: map[string]map[string]string{},
	}
}

var columns = func() []string {
	var out []string
	for _, c := range strings.Split(userColumns, ",") {
		out = append(out, strings.TrimSpace(c))
	}
	return out
}()

func (f *fakeSession) start(stmt string) error {
	f.stmts = append(f.stmts, stmt)
	if f.fail != nil {
		if err := f.fail(stmt); err != nil {
			return err
		}
	}
	if f.before != nil {
		f.before(f, stmt)
	}
	return nil
}

func idKey(bucket, id interface{}) string { return fmt.Sprintf("%v/%v", bucket, id) }

func (f *fakeSession) claimTable(name string) map[string]string {
	if f.claims[name] == nil {
		f.claims[name] = map[string]string{}
	}
	return f.claims[name]
}

func (f *fakeSession) Exec(_ context.Context, stmt string, values ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.start(stmt); err != nil {
		return err
	}

	switch stmt {
	case insertByIDCQL:
		f.byID[idKey(values[0], values[1])] = values[2].(string)
	case deleteByIDCQL:
		delete(f.byID, idKey(values[0], values[1]))
	case deleteUserCQL:
		delete(f.users, values[0].(string))
	default:
		return fmt.Errorf("unexpected statement %q", stmt)
	}
	return nil
}

func (f *fakeSession) ExecCAS(_ context.Context, stmt string, values ...interface{}) (bool, map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.start(stmt); err != nil {
		return false, nil, err
	}

	switch {
	case stmt == insertUserCQL:
		clerkID := values[0].(string)
		if row, ok := f.users[clerkID]; ok {
			return false, map[string]interface{}{"clerk_id": row["clerk_id"]}, nil
		}
		row := map[string]interface{}{}
		for i, c := range columns {
			row[c] = clone(values[i])
		}
		f.users[clerkID] = row
		return true, nil, nil

	case stmt == appendConsentCQL:
		row, ok := f.users[values[2].(string)]
		if !ok {
			return false, map[string]interface{}{}, nil
		}
		existing, _ := row["consents"].([]models.Consent)
		row["consents"] = append(append([]models.Consent{}, existing...), values[0].([]models.Consent)...)
		row["updated_at"] = values[1]
		return true, nil, nil

	case strings.HasPrefix(stmt, "INSERT INTO user_"):
		table := between(stmt, "INSERT INTO ", " (")
		value, clerkID := values[0].(string), values[1].(string)
		if owner, ok := f.claimTable(table)[value]; ok {
			return false, map[string]interface{}{"clerk_id": owner}, nil
		}
		f.claimTable(table)[value] = clerkID
		return true, nil, nil

	case strings.HasPrefix(stmt, "DELETE FROM user_"):
		table := between(stmt, "DELETE FROM ", " WHERE")
		value, clerkID := values[0].(string), values[1].(string)
		if f.claimTable(table)[value] != clerkID {
			return false, map[string]interface{}{"clerk_id": f.claimTable(table)[value]}, nil
		}
		delete(f.claimTable(table), value)
		return true, nil, nil

	case strings.HasPrefix(stmt, "UPDATE users SET "):
		return f.conditionalUpdate(stmt, values)
	}
	return false, nil, fmt.Errorf("unexpected statement %q", stmt)
}

func (f *fakeSession) conditionalUpdate(stmt string, values []interface{}) (bool, map[string]interface{}, error) {
	clerkID := values[len(values)-2].(string)
	expected := values[len(values)-1].(time.Time)

	row, ok := f.users[clerkID]
	if !ok {
		return false, map[string]interface{}{"updated_at": time.Time{}}, nil
	}
	if current := row["updated_at"].(time.Time); !current.Equal(expected) {
		return false, map[string]interface{}{"updated_at": current}, nil
	}

	set := between(stmt, "UPDATE users SET ", " WHERE clerk_id = ?")
	i := 0
	for _, a := range strings.Split(set, ", ") {
		if a == "features[?] = ?" {
			features := clone(row["features"]).(map[string]bool)
			features[values[i].(string)] = values[i+1].(bool)
			row["features"] = features
			i += 2
			continue
		}
		row[strings.TrimSuffix(a, " = ?")] = clone(values[i])
		i++
	}
	return true, nil, nil
}

func (f *fakeSession) Get(_ context.Context, stmt string, args []interface{}, dest ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.start(stmt); err != nil {
		return err
	}

	switch {
	case stmt == selectUserCQL:
		row, ok := f.users[args[0].(string)]
		if !ok {
			return gocql.ErrNotFound
		}
		for i, c := range columns {
			assign(dest[i], clone(row[c]))
		}
		return nil

	case stmt == selectByIDCQL:
		clerkID, ok := f.byID[idKey(args[0], args[1])]
		if !ok {
			return gocql.ErrNotFound
		}
		assign(dest[0], clerkID)
		return nil

	case strings.HasPrefix(stmt, "SELECT clerk_id FROM user_"):
		owner, ok := f.claimTable(between(stmt, "FROM ", " WHERE"))[args[0].(string)]
		if !ok {
			return gocql.ErrNotFound
		}
		assign(dest[0], owner)
		return nil
	}
	return fmt.Errorf("unexpected statement %q", stmt)
}

func (f *fakeSession) HealthCheck(context.Context) error { return nil }

func (f *fakeSession) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.stmts {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

func between(s, start, end string) string {
	s = s[strings.Index(s, start)+len(start):]
	if i := strings.Index(s, end); i >= 0 {
		return s[:i]
	}
	return s
}

// assign stores v in *dest the way the driver would, treating nil pointers as NULL.
func assign(dest, v interface{}) {
	d := reflect.ValueOf(dest).Elem()
	src := reflect.ValueOf(v)
	if v == nil || (src.Kind() == reflect.Ptr && src.IsNil()) {
		d.Set(reflect.Zero(d.Type()))
		return
	}
	if src.Kind() == reflect.Ptr {
		src = src.Elem()
	}
	d.Set(src.Convert(d.Type()))
}

func clone(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]bool:
		out := make(map[string]bool, len(t))
		for k, b := range t {
			out[k] = b
		}
		return out
	case []models.Consent:
		return append([]models.Consent{}, t...)
	}
	return v
}
