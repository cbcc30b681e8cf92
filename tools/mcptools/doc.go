// Copyright (c) Musubi Authors.
// Licensed under the MIT License.

// Package mcptools 通过 MCP（Model Context Protocol）连接外部工具服务器，
// 实现工作流的 ToolConnector，并可把工具注册为编排引擎技能。
package mcptools
