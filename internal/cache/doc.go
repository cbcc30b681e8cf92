// Copyright (c) Musubi Authors.
// Licensed under the MIT License.

/*
包 cache 封装 go-redis 客户端，供工作流历史存储等组件使用。

# 核心类型

  - Manager：持有 Redis 客户端，提供带前缀的键值读写（Get/Set、
    GetJSON/SetJSON）与基于有序集合的索引（IndexAdd/IndexRange/IndexRemove）。
  - Config：地址、连接池、键前缀、默认 TTL 与健康检查间隔。

# 错误语义

键不存在返回 [ErrCacheMiss]，可用 [IsCacheMiss] 判断；
关闭后的调用返回 [ErrClosed]。
*/
package cache
