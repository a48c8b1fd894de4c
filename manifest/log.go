package manifest

import "github.com/hourai/tapioca/internal/logging"

var log = logging.GetLogger("tapioca/manifest")
