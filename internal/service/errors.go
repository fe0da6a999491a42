package service

import (
	"errors"

	"github.com/Gurprince/dev-deck/internal/repository"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrRateLimited    = errors.New("execution rate limit exceeded")
	ErrAccessDenied   = errors.New("access denied")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInternalServer = errors.New("internal server error")
)

// 该函数用于将仓库层的错误映射到服务层定义的错误。
func mapRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return ErrJobNotFound
	}
	return ErrInternalServer
}
