package domain

import "time"

type UploadedFileRecord struct {
	FileID       string    `json:"fileId"`
	StoragePath  string    `json:"storagePath"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploadedAt"`
}
