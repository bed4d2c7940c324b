package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// SQLConfig configures a SQL retriever over a relational datasource.
type SQLConfig struct {
	// Datasource is the configured datasource name, used for attribution.
	Datasource string
	// Driver is sqlite or postgres; it selects the placeholder dialect.
	Driver string
	// Template is the parameterized query. Placeholders use {name} syntax.
	// The builtins {query} and {query_like} carry the user message; every
	// other placeholder must appear in Params.
	Template string
	// Params maps extra placeholder names to literal values.
	Params map[string]string
	// Family selects row interpretation: "qa" expects question/answer
	// columns, anything else concatenates the row.
	Family string

	ConfidenceThreshold float64
	MaxResults          int
	ReturnResults       int
}

// SQLRetriever runs a fixed, parameterized query per request. Templates come
// from the gateway config, never from the client, so the set of executable
// statements is closed at startup.
type SQLRetriever struct {
	db         *sql.DB
	datasource string
	family     string
	query      string   // template rewritten with positional placeholders
	paramOrder []string // placeholder names in positional order
	params     map[string]string
	threshold  float64
	maxResults int
	returnN    int
}

// NewSQLRetriever validates the template and prepares the positional query.
func NewSQLRetriever(db *sql.DB, cfg *SQLConfig) (*SQLRetriever, error) {
	if cfg.Template == "" {
		return nil, fmt.Errorf("sql retriever for %q has no template", cfg.Datasource)
	}
	if stmt := strings.ToUpper(strings.TrimSpace(cfg.Template)); !strings.HasPrefix(stmt, "SELECT") {
		return nil, fmt.Errorf("sql retriever template must be a SELECT statement")
	}

	var paramOrder []string
	position := 0
	query := placeholderPattern.ReplaceAllStringFunc(cfg.Template, func(match string) string {
		name := match[1 : len(match)-1]
		paramOrder = append(paramOrder, name)
		position++
		if cfg.Driver == "postgres" {
			return fmt.Sprintf("$%d", position)
		}
		return "?"
	})

	for _, name := range paramOrder {
		if name == "query" || name == "query_like" {
			continue
		}
		if _, ok := cfg.Params[name]; !ok {
			return nil, fmt.Errorf("sql retriever template references undeclared param %q", name)
		}
	}

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}
	returnN := cfg.ReturnResults
	if returnN <= 0 {
		returnN = 5
	}

	return &SQLRetriever{
		db:         db,
		datasource: cfg.Datasource,
		family:     cfg.Family,
		query:      query,
		paramOrder: paramOrder,
		params:     cfg.Params,
		threshold:  cfg.ConfidenceThreshold,
		maxResults: maxResults,
		returnN:    returnN,
	}, nil
}

func (r *SQLRetriever) GetRelevantDocuments(ctx context.Context, query string) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args := make([]any, len(r.paramOrder))
	for i, name := range r.paramOrder {
		switch name {
		case "query":
			args[i] = query
		case "query_like":
			args[i] = "%" + query + "%"
		default:
			args[i] = r.params[name]
		}
	}

	rows, err := r.db.QueryContext(ctx, r.query, args...)
	if err != nil {
		return nil, fmt.Errorf("sql retrieval against %s failed: %w", r.datasource, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var docs []Document
	for rows.Next() {
		if len(docs) >= r.maxResults {
			break
		}
		values := make([]sql.NullString, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		docs = append(docs, r.rowToDocument(query, columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	filtered := docs[:0]
	for _, d := range docs {
		if d.Score >= r.threshold {
			filtered = append(filtered, d)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})
	if len(filtered) > r.returnN {
		filtered = filtered[:r.returnN]
	}

	slog.Debug("retrieval: sql query done",
		"datasource", r.datasource,
		"candidates", len(docs),
		"returned", len(filtered),
	)
	return filtered, nil
}

func (r *SQLRetriever) rowToDocument(query string, columns []string, values []sql.NullString) Document {
	byName := make(map[string]string, len(columns))
	for i, col := range columns {
		byName[strings.ToLower(col)] = values[i].String
	}

	if r.family == "qa" {
		question, answer := byName["question"], byName["answer"]
		return Document{
			Content: answer,
			Score:   lexicalOverlap(query, question),
			Metadata: map[string]any{
				"source":   r.datasource,
				"question": question,
				"answer":   answer,
			},
		}
	}

	var parts []string
	for i, col := range columns {
		if values[i].Valid && values[i].String != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", col, values[i].String))
		}
	}
	content := strings.Join(parts, "\n")
	return Document{
		Content:  content,
		Score:    lexicalOverlap(query, content),
		Metadata: map[string]any{"source": r.datasource},
	}
}

func (r *SQLRetriever) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("datasource %s unreachable: %w", r.datasource, err)
	}
	return nil
}

// lexicalOverlap scores how many of the query's terms appear in the
// candidate text, in [0,1]. It is the confidence signal for SQL adapters,
// which have no embedding distance to map.
func lexicalOverlap(query, text string) float64 {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return 0
	}
	textTerms := make(map[string]bool)
	for _, t := range tokenize(text) {
		textTerms[t] = true
	}
	hits := 0
	for _, t := range queryTerms {
		if textTerms[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
