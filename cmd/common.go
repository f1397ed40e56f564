package cmd

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/andresmejia3/facegate/internal/utils"
)

// showError prints the error box with any worker logs the engine captured.
func showError(context string, err error) {
	logs := ""
	if Engine != nil {
		logs = Engine.WorkerLogs()
	}
	utils.ShowError(context, err, logs)
}

// loadImage reads and decodes an image file, applying EXIF orientation.
func loadImage(path string) (image.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			showError("Input file does not exist", err)
		} else {
			showError("Unable to access input file", err)
		}
		return nil, err
	}
	if info.IsDir() {
		err := fmt.Errorf("%s is a directory, expected an image file", path)
		showError("Invalid input", err)
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		showError("Failed to read image file", err)
		return nil, err
	}
	img, err := utils.DecodeImage(data)
	if err != nil {
		showError("Failed to decode image", err)
		return nil, err
	}
	return img, nil
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
