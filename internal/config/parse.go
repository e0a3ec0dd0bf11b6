// Package config parses the plain-text scenario format and the JSON
// scenario documents accepted by the API.
//
// The text format is line oriented. '#' starts a comment, blank lines are
// skipped, and the three sections must appear in order:
//
//	stock:      name:qty
//	process:    name:(need:qty;...):(result:qty;...):duration
//	directive:  optimize:(time;stock;...)
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"planforge/internal/model"
)

// ParseError is a malformed configuration line. Configuration errors are
// fatal: the caller reports them and stops.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line <= 0 {
		return e.Msg
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

func errf(line int, format string, args ...any) error {
	return &ParseError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

var (
	stockRe    = regexp.MustCompile(`^(\w+):(\d+)$`)
	processRe  = regexp.MustCompile(`^(\w+):\((.*)\):\((.*)\):(\d+)$`)
	optimizeRe = regexp.MustCompile(`^optimize:\((\w+(?:;\w+)*)\)$`)
	nameRe     = regexp.MustCompile(`^\w+$`)
)

// Parse reads a text configuration into a Scenario. Every resource a
// process mentions is materialized in the stocks map at quantity zero so
// reports list the full resource universe.
func Parse(r io.Reader) (model.Scenario, error) {
	var sc model.Scenario
	sc.Stocks = model.Ledger{}
	seen := map[string]bool{}

	const (
		inStocks = iota
		inProcesses
		inOptimize
	)
	section := inStocks

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(text, "optimize:"):
			if section == inOptimize {
				return sc, errf(line, "duplicate optimize directive")
			}
			if len(sc.Processes) == 0 {
				return sc, errf(line, "optimize directive before any process")
			}
			targets, optTime, err := parseOptimize(text, line)
			if err != nil {
				return sc, err
			}
			for _, t := range targets {
				if _, ok := sc.Stocks[t]; !ok {
					return sc, errf(line, "stock %q to optimize is not defined", t)
				}
			}
			sc.Targets, sc.OptimizeTime = targets, optTime
			section = inOptimize
		case strings.Contains(text, "("):
			if section == inOptimize {
				return sc, errf(line, "process after optimize directive")
			}
			section = inProcesses
			p, err := parseProcess(text, line)
			if err != nil {
				return sc, err
			}
			if seen[p.Name] {
				return sc, errf(line, "duplicate process %q", p.Name)
			}
			seen[p.Name] = true
			sc.Processes = append(sc.Processes, p)
			for name := range p.Need {
				if _, ok := sc.Stocks[name]; !ok {
					sc.Stocks[name] = 0
				}
			}
			for name := range p.Output {
				if _, ok := sc.Stocks[name]; !ok {
					sc.Stocks[name] = 0
				}
			}
		default:
			if section != inStocks {
				return sc, errf(line, "stock line after processes: %q", text)
			}
			m := stockRe.FindStringSubmatch(text)
			if m == nil {
				return sc, errf(line, "invalid stock line: %q", text)
			}
			qty, _ := strconv.Atoi(m[2])
			sc.Stocks[m[1]] = qty
		}
	}
	if err := scanner.Err(); err != nil {
		return sc, fmt.Errorf("read config: %w", err)
	}
	if len(sc.Processes) == 0 {
		return sc, errf(0, "expected at least one process")
	}
	if section != inOptimize {
		return sc, errf(0, "missing optimize directive")
	}
	if len(sc.Targets) == 0 && !sc.OptimizeTime {
		return sc, errf(0, "nothing to optimize")
	}
	return sc, nil
}

// ParseString parses configuration text held in memory.
func ParseString(text string) (model.Scenario, error) {
	return Parse(strings.NewReader(text))
}

// ParseFile parses the configuration file at path.
func ParseFile(path string) (model.Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Scenario{}, err
	}
	defer f.Close()
	sc, err := Parse(f)
	if err != nil {
		return sc, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

func parseProcess(text string, line int) (model.Process, error) {
	m := processRe.FindStringSubmatch(text)
	if m == nil {
		return model.Process{}, errf(line, "invalid process line: %q", text)
	}
	need, err := parseQuantityList(m[2], line)
	if err != nil {
		return model.Process{}, err
	}
	output, err := parseQuantityList(m[3], line)
	if err != nil {
		return model.Process{}, err
	}
	duration, _ := strconv.Atoi(m[4])
	return model.Process{Name: m[1], Need: need, Output: output, Duration: duration}, nil
}

// parseQuantityList parses "a:1;b:2" into a map. An empty list is allowed.
func parseQuantityList(text string, line int) (map[string]int, error) {
	out := map[string]int{}
	if strings.TrimSpace(text) == "" {
		return out, nil
	}
	for _, item := range strings.Split(text, ";") {
		m := stockRe.FindStringSubmatch(strings.TrimSpace(item))
		if m == nil {
			return nil, errf(line, "invalid stock entry: %q", item)
		}
		qty, _ := strconv.Atoi(m[2])
		out[m[1]] = qty
	}
	return out, nil
}

func parseOptimize(text string, line int) (targets []string, optTime bool, err error) {
	m := optimizeRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false, errf(line, "invalid optimize directive: %q", text)
	}
	for _, t := range strings.Split(m[1], ";") {
		if t == model.TimeStock {
			optTime = true
			continue
		}
		targets = append(targets, t)
	}
	return targets, optTime, nil
}

// FromDoc converts an API scenario document into a Scenario, applying the
// same validation rules as the text parser.
func FromDoc(in model.ScenarioIn) (model.Scenario, error) {
	sc := model.Scenario{Stocks: model.Ledger{}}
	for name, qty := range in.Stocks {
		if !nameRe.MatchString(name) {
			return sc, errf(0, "invalid stock name %q", name)
		}
		if qty < 0 {
			return sc, errf(0, "negative quantity for stock %q", name)
		}
		sc.Stocks[name] = qty
	}
	seen := map[string]bool{}
	for _, p := range in.Processes {
		if !nameRe.MatchString(p.Name) {
			return sc, errf(0, "invalid process name %q", p.Name)
		}
		if seen[p.Name] {
			return sc, errf(0, "duplicate process %q", p.Name)
		}
		seen[p.Name] = true
		if p.Duration < 0 {
			return sc, errf(0, "negative duration for process %q", p.Name)
		}
		for name, qty := range p.Need {
			if !nameRe.MatchString(name) || qty < 0 {
				return sc, errf(0, "invalid need %q:%d in process %q", name, qty, p.Name)
			}
			if _, ok := sc.Stocks[name]; !ok {
				sc.Stocks[name] = 0
			}
		}
		for name, qty := range p.Output {
			if !nameRe.MatchString(name) || qty < 0 {
				return sc, errf(0, "invalid output %q:%d in process %q", name, qty, p.Name)
			}
			if _, ok := sc.Stocks[name]; !ok {
				sc.Stocks[name] = 0
			}
		}
		sc.Processes = append(sc.Processes, p)
	}
	if len(sc.Processes) == 0 {
		return sc, errf(0, "expected at least one process")
	}
	for _, t := range in.Optimize {
		if t == model.TimeStock {
			sc.OptimizeTime = true
			continue
		}
		if _, ok := sc.Stocks[t]; !ok {
			return sc, errf(0, "stock %q to optimize is not defined", t)
		}
		sc.Targets = append(sc.Targets, t)
	}
	if len(sc.Targets) == 0 && !sc.OptimizeTime {
		return sc, errf(0, "nothing to optimize")
	}
	return sc, nil
}

// Render writes a Scenario back out in the text format. Parsing the result
// yields an equivalent scenario; zero-quantity stocks that only exist
// because a process mentions them are omitted.
func Render(sc model.Scenario) string {
	var b strings.Builder
	mentioned := map[string]bool{}
	for _, p := range sc.Processes {
		for name := range p.Need {
			mentioned[name] = true
		}
		for name := range p.Output {
			mentioned[name] = true
		}
	}
	for _, name := range sc.Stocks.Names() {
		if qty := sc.Stocks[name]; qty > 0 || !mentioned[name] {
			fmt.Fprintf(&b, "%s:%d\n", name, qty)
		}
	}
	for _, p := range sc.Processes {
		fmt.Fprintf(&b, "%s:(%s):(%s):%d\n", p.Name, quantityList(p.Need), quantityList(p.Output), p.Duration)
	}
	directive := append([]string{}, sc.Targets...)
	if sc.OptimizeTime {
		directive = append([]string{model.TimeStock}, directive...)
	}
	fmt.Fprintf(&b, "optimize:(%s)\n", strings.Join(directive, ";"))
	return b.String()
}

func quantityList(m map[string]int) string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s:%d", n, m[n])
	}
	return strings.Join(parts, ";")
}
