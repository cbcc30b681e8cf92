// Package config 提供 Musubi 的配置管理。
//
// 配置按 默认值 → YAML 文件 → 环境变量（MUSUBI_<SECTION>_<FIELD>）
// 的顺序合并，Validate 检查取值范围。
package config
