/*
包 server 管理 musubi 的观测端点 HTTP 服务。

Manager 封装 net/http.Server 的非阻塞启动与优雅关闭，
NewObservabilityHandler 组装 /metrics（Prometheus）与 /healthz 路由。
命令行在 run 期间按 metrics 配置启动它，结束时关闭。
*/
package server
