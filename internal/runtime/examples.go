package runtime

import "context"

// ExampleHandlers is a MapResolver of small, deterministic handlers. None
// of these represent real business logic. The example templates in
// cmd/taskflowd and the actor test fixtures use their names as
// handler_callable strings, but no code in this repository invokes them.
var ExampleHandlers = MapResolver{
	// "echo" succeeds immediately, returning its own inputs plus its
	// parents' results, keyed by parent name, under "dependency_results".
	"echo": func(_ context.Context, s StepView) Outcome {
		result := map[string]any{}
		for k, v := range s.Inputs {
			result[k] = v
		}
		result["dependency_results"] = s.DependencyResults
		return Outcome{Success: true, Result: result}
	},

	// "always_fail_permanent" fails every attempt with retryable=false.
	"always_fail_permanent": func(_ context.Context, _ StepView) Outcome {
		return Outcome{Success: false, ErrorMessage: "permanent failure", ErrorType: "permanent", Retryable: false}
	},

	// "always_fail_retryable" fails every attempt with retryable=true,
	// useful for exercising exhausted-retries scenarios.
	"always_fail_retryable": func(_ context.Context, _ StepView) Outcome {
		return Outcome{Success: false, ErrorMessage: "transient failure", ErrorType: "transient", Retryable: true}
	},

	// "succeed_on_second_attempt" fails retryably on attempt 1 and succeeds
	// thereafter, useful for exercising the retry-then-recover path.
	"succeed_on_second_attempt": func(_ context.Context, s StepView) Outcome {
		if s.Attempts <= 1 {
			backoff := 2
			return Outcome{Success: false, ErrorMessage: "try again", ErrorType: "transient", Retryable: true, BackoffRequestSec: &backoff}
		}
		return Outcome{Success: true, Result: map[string]any{"attempt": s.Attempts}}
	},
}
