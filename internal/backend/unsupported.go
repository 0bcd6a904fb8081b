package backend

import (
	"context"
	"fmt"
)

// unsupportedAdapter is the explicit stand-in for deployment targets
// without a container engine. Configuring it keeps the runtime constructible
// and queryable while every instance operation fails loudly instead of
// half-working.
type unsupportedAdapter struct{}

var _ Adapter = (*unsupportedAdapter)(nil)

func (*unsupportedAdapter) Kind() Kind {
	return KindUnsupported
}

func (*unsupportedAdapter) Provision(_ context.Context, spec ProvisionSpec) (*Handle, error) {
	return nil, fmt.Errorf("%w: cannot provision %q on this deployment target", ErrUnsupported, spec.ImageRef)
}

func (*unsupportedAdapter) Terminate(_ context.Context, ref string) error {
	return fmt.Errorf("%w: cannot terminate %q on this deployment target", ErrUnsupported, shortRef(ref))
}

func (*unsupportedAdapter) Inspect(_ context.Context, ref string) (Status, error) {
	return StatusUnknown, fmt.Errorf("%w: cannot inspect %q on this deployment target", ErrUnsupported, shortRef(ref))
}

func (*unsupportedAdapter) HealthCheck(context.Context) Health {
	return HealthUnavailable
}

func (*unsupportedAdapter) Close() error {
	return nil
}
