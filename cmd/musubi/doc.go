// Copyright (c) Musubi Authors.
// Licensed under the MIT License.

/*
musubi 命令行入口。

	musubi run workflow.yaml --input topic=go   # 执行工作流
	musubi validate a.yaml b.yaml                # 校验工作流定义
	musubi guard "some text" --output            # 运行护栏链
	musubi triage "my invoice is wrong"          # 分类请求
	musubi version

配置通过 --config 指定 YAML 文件，环境变量 MUSUBI_* 覆盖文件值。
内置 echo、upper、concat 三个演示技能，工作流可直接引用。
*/
package main
