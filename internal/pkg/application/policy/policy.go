package policy

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/diwise/odata-client/pkg/odata/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("odata-client/policy")

// Guard decides if a request may be sent to a service
type Guard interface {
	CheckAccess(ctx context.Context, method, endpoint string) error
}

type guardImpl struct {
	preparedQuery rego.PreparedEvalQuery
}

// NewGuard compiles the rego policy read from policies. The policy must define
// data.odata.authz.allow and is evaluated with the method, the path segments and the
// host of every request.
func NewGuard(ctx context.Context, policies io.Reader) (Guard, error) {

	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read request policies: %s", err.Error())
	}

	impl := &guardImpl{}

	impl.preparedQuery, err = rego.New(
		rego.Query("x = data.odata.authz.allow"),
		rego.Module("odata.rego", string(module)),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	return impl, nil
}

func (g *guardImpl) CheckAccess(ctx context.Context, method, endpoint string) error {
	var err error

	_, span := tracer.Start(ctx, "check-access",
		trace.WithAttributes(attribute.String("method", method)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	u, err := url.Parse(endpoint)
	if err != nil {
		err = fmt.Errorf("invalid endpoint %s: %s (%w)", endpoint, err.Error(), errors.ErrRequest)
		return err
	}

	input := map[string]any{
		"method": method,
		"path":   strings.Split(strings.Trim(u.Path, "/"), "/"),
		"host":   u.Host,
	}

	results, err := g.preparedQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		err = fmt.Errorf("opa eval failed: %s (%w)", err.Error(), errors.ErrInternal)
		return err
	}

	if len(results) == 0 {
		err = errors.NewRequestDeniedError("opa query could not be satisfied")
		return err
	}

	binding := results[0].Bindings["x"]

	// a denied request gives a single bool, an allowed one may give a result object
	if allowed, ok := binding.(bool); ok {
		if !allowed {
			err = errors.NewRequestDeniedError(fmt.Sprintf("%s %s is not allowed", method, u.Path))
		}
		return err
	}

	if _, ok := binding.(map[string]any); !ok {
		err = fmt.Errorf("opa error: unexpected result type (%w)", errors.ErrInternal)
		return err
	}

	return nil
}
