// Package variables resolves {{name}} placeholders in an HTTPRequestTemplate
// against a layered variable context (spec §2 item 6, §4.5's pm.environment)
// immediately before dispatch.
package variables

import (
	"bytes"
	"strings"
	"sync"

	"github.com/bc-dunia/apiforge/internal/loadmodel"
)

// Environment is the mutable variable context for one run: environment
// variables layered over collection variables layered over globals.
// Mutations (from pm.environment.set inside a script) apply to the
// environment layer only and are serialised by mu, satisfying spec §4.5's
// "concurrent scripts for the same run must serialise access to it".
type Environment struct {
	mu          sync.RWMutex
	environment map[string]string
	collection  map[string]string
	globals     map[string]string
}

// New builds an Environment from the three variable layers. Any of the
// maps may be nil.
func New(environment, collection, globals map[string]string) *Environment {
	return &Environment{
		environment: cloneMap(environment),
		collection:  cloneMap(collection),
		globals:     cloneMap(globals),
	}
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Get resolves name by precedence: environment, then collection, then
// global. Returns false if undefined at every layer.
func (e *Environment) Get(name string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if v, ok := e.environment[name]; ok {
		return v, true
	}
	if v, ok := e.collection[name]; ok {
		return v, true
	}
	if v, ok := e.globals[name]; ok {
		return v, true
	}
	return "", false
}

// Set writes name into the environment layer, the only layer a script may
// mutate. Mutations live in memory for the run only; neither this package
// nor the coordinator writes them back to storage, whether or not the run
// succeeds.
func (e *Environment) Set(name, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.environment[name] = value
}

// Snapshot returns a defensive copy of the environment layer.
func (e *Environment) Snapshot() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneMap(e.environment)
}

// Resolve renders tmpl against env, substituting {{name}} placeholders in
// the URL, header values, and body content. An undefined variable is left
// as the literal "{{name}}" text (spec is silent on undefined-variable
// behaviour; leaving it literal surfaces the mistake in the response
// rather than silently dropping data).
func Resolve(tmpl loadmodel.HTTPRequestTemplate, env *Environment) loadmodel.ResolvedRequest {
	resolved := loadmodel.ResolvedRequest{
		Method: tmpl.Method,
		URL:    substitute(tmpl.URL, env),
		Auth:   resolveAuth(tmpl.Auth, env),
	}
	for _, h := range tmpl.Headers {
		resolved.Headers = append(resolved.Headers, loadmodel.Header{
			Name:  h.Name,
			Value: substitute(h.Value, env),
		})
	}
	resolved.Body = loadmodel.RequestBody{
		Kind:    tmpl.Body.Kind,
		Content: substituteBytes(tmpl.Body.Content, env),
	}
	return resolved
}

func resolveAuth(auth loadmodel.Auth, env *Environment) loadmodel.Auth {
	out := auth
	out.Token = substitute(auth.Token, env)
	out.Username = substitute(auth.Username, env)
	out.Password = substitute(auth.Password, env)
	out.ClientID = substitute(auth.ClientID, env)
	out.ClientSecret = substitute(auth.ClientSecret, env)
	out.AccessKeyID = substitute(auth.AccessKeyID, env)
	out.SecretAccessKey = substitute(auth.SecretAccessKey, env)
	out.SessionToken = substitute(auth.SessionToken, env)
	return out
}

func substituteBytes(content []byte, env *Environment) []byte {
	if len(content) == 0 || !bytes.Contains(content, []byte("{{")) {
		return content
	}
	return []byte(substitute(string(content), env))
}

// substitute replaces every {{name}} occurrence in s. name is trimmed of
// surrounding whitespace before lookup, so "{{ name }}" resolves the same
// as "{{name}}".
func substitute(s string, env *Environment) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	var out strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "{{")
		if start < 0 {
			out.WriteString(s[i:])
			break
		}
		start += i
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			out.WriteString(s[i:])
			break
		}
		end += start
		out.WriteString(s[i:start])
		name := strings.TrimSpace(s[start+2 : end])
		if val, ok := env.Get(name); ok {
			out.WriteString(val)
		} else {
			out.WriteString(s[start : end+2])
		}
		i = end + 2
	}
	return out.String()
}
