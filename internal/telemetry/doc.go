// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为工作流执行器与编排引擎的 span 提供 TracerProvider 和 MeterProvider。
// 遥测禁用时保持全局 noop 实现，不连接任何外部服务。
package telemetry
