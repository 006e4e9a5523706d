// Package models defines the task, status and result types shared by the api and worker.
package models
