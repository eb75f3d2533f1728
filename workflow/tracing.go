package workflow

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("academy_backend/workflow")
