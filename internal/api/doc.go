// Package api 暴露 GuardSign 的 REST 接口：提交交易意图、查询交易记录、
// 读取与替换护栏策略、登记签名身份。
package api
