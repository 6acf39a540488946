// Package filterexpr evaluates expr-lang predicates against session
// records, for Metadata Store list filters that go beyond the plain
// user_id filter. It is not used to order evictions.
package filterexpr

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Record is the read-only view of a session exposed to predicates.
// Fields are deliberately named to match the wire schema
// (session_id, user_id, ...) so operators write filters against the
// same vocabulary as the HTTP API.
type Record struct {
	SessionID    string            `expr:"session_id"`
	UserID       string            `expr:"user_id"`
	Status       string            `expr:"status"`
	MessageCount int               `expr:"message_count"`
	Metadata     map[string]string `expr:"metadata"`
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*vm.Program{}
)

// compile returns a cached compiled program for source.
func compile(source string) (*vm.Program, error) {
	cacheMu.Lock()
	if p, ok := cache[source]; ok {
		cacheMu.Unlock()
		return p, nil
	}
	cacheMu.Unlock()

	program, err := expr.Compile(source, expr.Env(Record{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter expression %q: %w", source, err)
	}

	cacheMu.Lock()
	cache[source] = program
	cacheMu.Unlock()
	return program, nil
}

// Match evaluates source as a boolean predicate against rec.
func Match(source string, rec Record) (bool, error) {
	program, err := compile(source)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, rec)
	if err != nil {
		return false, fmt.Errorf("evaluate filter expression %q: %w", source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter expression %q did not evaluate to bool", source)
	}
	return b, nil
}

// Validate checks source compiles against the Record environment
// without evaluating it.
func Validate(source string) error {
	_, err := compile(source)
	return err
}
