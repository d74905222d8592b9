// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pkgimagelib

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gjolly/proposed-package-testing/internal/shell"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
)

type ImageFileInfo struct {
	Format      string `json:"format"`
	VirtualSize int64  `json:"virtual-size"`
}

func GetImageFileInfo(ctx context.Context, format pkgimageapi.ImageFormatType, imageFile string,
) (ImageFileInfo, error) {
	stdout, _, err := shell.NewExecBuilder("qemu-img", "info", "--output", "json", "--image-opts",
		qemuImageOpts(format, imageFile)).
		Context(ctx).
		ErrorStderrLines(1).
		ExecuteCaptureOutput()
	if err != nil {
		return ImageFileInfo{}, fmt.Errorf("failed to check image file's disk format:\n%w", err)
	}

	info := ImageFileInfo{}
	err = json.Unmarshal([]byte(stdout), &info)
	if err != nil {
		return ImageFileInfo{}, fmt.Errorf("failed to parse qemu-img info JSON:\n%w", err)
	}

	return info, nil
}
