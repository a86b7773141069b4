package domain

import "errors"

var (
	// ErrPolicyRejected 收件人域名不在允许列表中
	ErrPolicyRejected = errors.New("recipient domain not allowed")
	// ErrParseFailure 邮件格式无法解析
	ErrParseFailure = errors.New("malformed message")
	// ErrUnauthorized 凭证缺失或无效
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden 已认证但无权限
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidInvite 邀请码不存在、已使用或已过期
	ErrInvalidInvite = errors.New("invalid invite")
	// ErrUsernameTaken 用户名已存在
	ErrUsernameTaken = errors.New("username taken")
	// ErrNotFound 身份、邀请或会话不存在
	ErrNotFound = errors.New("not found")
	// ErrInvalidPattern 调用方提供的正则表达式无法编译
	ErrInvalidPattern = errors.New("invalid pattern")
	// ErrSelfDeletionForbidden 不允许删除自己的身份
	ErrSelfDeletionForbidden = errors.New("cannot delete own identity")
	// ErrInvalidInput 参数校验失败
	ErrInvalidInput = errors.New("invalid input")
	// ErrVersionConflict 全局配置已被并发修改
	ErrVersionConflict = errors.New("settings version conflict")
)
