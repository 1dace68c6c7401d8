/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Small local helpers shared across the facade's operation files
 */

package mtp

import (
	"os"
	"path/filepath"

	"github.com/alexpevzner/mtpgo/internal/mtperr"
)

// tempFilePath reserves a scratch path for name under the system temp
// directory, used by Move's read-write-delete emulation.
func tempFilePath(name string) (string, error) {
	f, err := os.CreateTemp("", "mtpgo-move-*-"+filepath.Base(name))
	if err != nil {
		return "", mtperr.New(mtperr.KindIO, err)
	}
	path := f.Name()
	f.Close()
	return path, nil
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}
