// Package tlsutil 提供集中式 TLS 配置，
// 为节点投递客户端与 HTTPS 服务端提供安全加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件），
// 并支持信任私有 CA 签发的节点证书。
package tlsutil
