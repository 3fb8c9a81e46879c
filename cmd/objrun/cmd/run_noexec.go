//go:build !unicorn

package cmd

import (
	"github.com/pkg/errors"

	"github.com/objrun/objrun/pkg/object"
	"github.com/objrun/objrun/pkg/resolver"
)

func execute(obj *object.Object, loader *resolver.Loader, args []string) (uint64, error) {
	return 0, errors.New("this build has no execution engine: rebuild with -tags unicorn")
}
