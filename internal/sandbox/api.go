package sandbox

import (
	"encoding/json"
	"strings"

	"github.com/dop251/goja"

	"github.com/bc-dunia/apiforge/internal/loadmodel"
	"github.com/bc-dunia/apiforge/internal/variables"
)

// bindAPI wires the native Go bridges into rt and then loads the JS
// prelude that assembles the pm.* surface on top of them. Splitting native
// data access (Go) from assertion semantics (JS, in prelude()) keeps the
// chainable expect() builder in the language it is naturally expressed in,
// the same division the teacher's plugin package draws between a Go
// Registry and operation-specific logic.
func bindAPI(rt *goja.Runtime, req loadmodel.ResolvedRequest, resp *loadmodel.ResponseRecord, env *variables.Environment, tests *[]TestResult, consoleOut *[]string) {
	rt.Set("__nativeConsole", func(level, msg string) {
		*consoleOut = append(*consoleOut, level+": "+msg)
	})

	rt.Set("__nativeRecordTest", func(name string, passed bool, errMsg string) {
		*tests = append(*tests, TestResult{Name: name, Passed: passed, ErrorMessage: errMsg})
	})

	rt.Set("__nativeEnvGet", func(key string) goja.Value {
		if v, ok := env.Get(key); ok {
			return rt.ToValue(v)
		}
		return goja.Undefined()
	})
	rt.Set("__nativeEnvSet", func(key, value string) {
		env.Set(key, value)
	})

	rt.Set("__nativeRequest", map[string]interface{}{
		"url":     req.URL,
		"method":  string(req.Method),
		"headers": headerMap(req.Headers),
		"body":    string(req.Body.Content),
	})

	if resp != nil {
		headers := headerMap(resp.ResponseHeaders)
		rt.Set("__nativeResponse", map[string]interface{}{
			"code":         resp.Status,
			"responseTime": resp.Timing.TotalMs,
			"headers":      headers,
			"bodyText":     string(resp.BodyBytes),
		})
		rt.Set("__nativeResponseJSON", func() goja.Value {
			var v interface{}
			if err := json.Unmarshal(resp.BodyBytes, &v); err != nil {
				panic(rt.NewTypeError("response body is not valid JSON: " + err.Error()))
			}
			return rt.ToValue(v)
		})
	} else {
		rt.Set("__nativeResponse", goja.Undefined())
		rt.Set("__nativeResponseJSON", func() goja.Value { return goja.Undefined() })
	}

	if _, err := rt.RunString(prelude); err != nil {
		panic(err)
	}
}

func headerMap(headers []loadmodel.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[strings.ToLower(h.Name)] = h.Value
	}
	return out
}

// prelude assembles the pm.* contract on top of the __native* bridges.
// expect() implements the subset of chai's BDD API named in spec §4.5:
// to/not/be/have and equal/eql/exist/true/false/above/below/include/property.
const prelude = `
var console = {
  log: function() { __nativeConsole("log", Array.prototype.slice.call(arguments).join(" ")); },
  info: function() { __nativeConsole("info", Array.prototype.slice.call(arguments).join(" ")); },
  warn: function() { __nativeConsole("warn", Array.prototype.slice.call(arguments).join(" ")); },
  error: function() { __nativeConsole("error", Array.prototype.slice.call(arguments).join(" ")); }
};

function __assert(pass, message, negated) {
  var ok = negated ? !pass : pass;
  if (!ok) { throw new Error(message); }
  return true;
}

function expect(value) {
  var negated = false;
  var chain = {
    get not() { negated = !negated; return chain; },
    get to() { return chain; },
    get be() { return chain; },
    get have() { return chain; },
    get a() { return chain; },
    get an() { return chain; },
    equal: function(other) {
      return __assert(value === other, "expected " + value + " to equal " + other, negated);
    },
    eql: function(other) {
      return __assert(JSON.stringify(value) === JSON.stringify(other), "expected deep equality", negated);
    },
    exist: function() {
      return __assert(value !== undefined && value !== null, "expected value to exist", negated);
    },
    true: function() {
      return __assert(value === true, "expected true", negated);
    },
    false: function() {
      return __assert(value === false, "expected false", negated);
    },
    above: function(n) {
      return __assert(value > n, "expected " + value + " to be above " + n, negated);
    },
    below: function(n) {
      return __assert(value < n, "expected " + value + " to be below " + n, negated);
    },
    include: function(v) {
      var pass = (typeof value === "string" || Array.isArray(value)) && value.indexOf(v) !== -1;
      return __assert(pass, "expected " + value + " to include " + v, negated);
    },
    property: function(name, val) {
      var has = value !== null && typeof value === "object" && (name in value);
      if (val === undefined) {
        return __assert(has, "expected property " + name, negated);
      }
      return __assert(has && value[name] === val, "expected property " + name + " = " + val, negated);
    }
  };
  return chain;
}

var pm = {
  test: function(name, fn) {
    try {
      fn();
      __nativeRecordTest(name, true, "");
    } catch (e) {
      __nativeRecordTest(name, false, e && e.message ? e.message : String(e));
    }
  },
  expect: expect,
  environment: {
    get: function(k) { return __nativeEnvGet(k); },
    set: function(k, v) { __nativeEnvSet(k, String(v)); }
  },
  request: {
    url: __nativeRequest.url,
    method: __nativeRequest.method,
    headers: __nativeRequest.headers,
    body: __nativeRequest.body
  }
};

if (typeof __nativeResponse !== "undefined" && __nativeResponse !== null) {
  pm.response = {
    code: __nativeResponse.code,
    status: __nativeResponse.code,
    responseTime: __nativeResponse.responseTime,
    headers: {
      get: function(name) { return __nativeResponse.headers[String(name).toLowerCase()]; }
    },
    json: function() { return __nativeResponseJSON(); },
    text: function() { return __nativeResponse.bodyText; },
    to: {
      have: {
        status: function(code) { return __assert(__nativeResponse.code === code, "expected status " + code + ", got " + __nativeResponse.code); },
        header: function(name, value) {
          var v = __nativeResponse.headers[String(name).toLowerCase()];
          if (value === undefined) { return __assert(v !== undefined, "expected header " + name); }
          return __assert(v === value, "expected header " + name + " = " + value);
        },
        body: function(substring) { return __assert(__nativeResponse.bodyText.indexOf(substring) !== -1, "expected body to include " + substring); },
        jsonBody: function(path) {
          var obj = __nativeResponseJSON();
          var parts = String(path).split(".");
          var cur = obj;
          for (var i = 0; i < parts.length; i++) {
            if (cur === undefined || cur === null) { return __assert(false, "missing json path " + path); }
            cur = cur[parts[i]];
          }
          return __assert(cur !== undefined, "missing json path " + path);
        }
      }
    }
  };
}
`
