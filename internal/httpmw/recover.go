package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/maplecatch/maplecatch-web/internal/log"
	"github.com/maplecatch/maplecatch-web/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log. onPanic, if set,
// is called after logging, used for the panics counter. http.ErrAbortHandler
// is re-panicked so net/http can abort the connection quietly.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}

				err, ok := v.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", v)
				}
				ctx := r.Context()
				logger.With(
					"request_id", RequestIDFromContext(ctx),
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				).Error(ctx, xerrors.WithStack(err), "httpserver panic recovered", "panic_stack", string(debug.Stack()))

				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
