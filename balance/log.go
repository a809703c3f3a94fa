package balance

import (
	"log/slog"

	"github.com/gogpu/framesched"
)

func logger() *slog.Logger {
	return framesched.Logger()
}
